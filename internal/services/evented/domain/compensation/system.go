package compensation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/handler"
)

const (
	// CompensationFailedCommand is the fallback-domain command type.
	CompensationFailedCommand = "evented.system.CompensationFailed"
	// CompensationFailedEvent records a rejected saga command.
	CompensationFailedEvent = "evented.system.CompensationFailedRecorded"
)

// SystemHandler serves the fallback domain: every CompensationFailed command
// becomes one CompensationFailedRecorded event carrying the notification.
func SystemHandler() (*handler.Registry, error) {
	r := handler.NewRegistry()
	err := r.Register(CompensationFailedCommand, func(_ context.Context, cmd handler.Command, _ book.EventBook) ([]book.Payload, error) {
		var n book.RejectionNotification
		if err := json.Unmarshal(cmd.Page.Payload.Value, &n); err != nil {
			return nil, fmt.Errorf("decode rejection notification: %w", err)
		}
		return []book.Payload{{TypeURL: CompensationFailedEvent, Value: cmd.Page.Payload.Value}}, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeRecorded extracts the notification from a CompensationFailedRecorded
// event.
func DecodeRecorded(page book.EventPage) (book.RejectionNotification, error) {
	var n book.RejectionNotification
	if page.Payload.TypeURL != CompensationFailedEvent {
		return n, fmt.Errorf("unexpected event type %s", page.Payload.TypeURL)
	}
	if err := json.Unmarshal(page.Payload.Value, &n); err != nil {
		return n, fmt.Errorf("decode rejection notification: %w", err)
	}
	return n, nil
}
