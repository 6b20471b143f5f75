package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
)

type fakeStream struct {
	args []*goredis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.args = append(f.args, a)
	if _, ok := ctx.Deadline(); !ok {
		return goredis.NewStringResult("", errors.New("write without deadline"))
	}
	return goredis.NewStringResult("1700000000000-0", f.err)
}

func letter() compensation.Letter {
	return compensation.Letter{
		Key: "order-fulfillment|order-42|wallet",
		Notification: book.RejectionNotification{
			Reason:        "insufficient funds",
			SagaName:      "order-fulfillment",
			CorrelationID: "order-42",
			Command: book.CommandBook{
				Cover: book.Cover{Domain: "wallet"},
				Pages: []book.CommandPage{{Payload: book.Payload{TypeURL: "wallet.Charge", Value: []byte("100")}}},
			},
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSendWritesStreamEntry(t *testing.T) {
	fake := &fakeStream{}
	sink, err := New(fake, "", WithMaxLen(1000))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sink.Send(context.Background(), letter()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fake.args) != 1 {
		t.Fatalf("xadd calls = %d, want 1", len(fake.args))
	}
	args := fake.args[0]
	if args.Stream != DefaultStream || args.MaxLen != 1000 || !args.Approx {
		t.Fatalf("args = %+v", args)
	}
	values := args.Values.(map[string]any)
	if values["reason"] != "insufficient funds" || values["saga"] != "order-fulfillment" || values["domain"] != "wallet" {
		t.Fatalf("values = %v", values)
	}
	if values["created_at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("created_at = %v", values["created_at"])
	}
	var decoded book.RejectionNotification
	if err := json.Unmarshal([]byte(values["notification"].(string)), &decoded); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if string(decoded.Command.Pages[0].Payload.Value) != "100" {
		t.Fatalf("decoded command = %+v", decoded.Command)
	}
}

func TestSendPropagatesRedisErrors(t *testing.T) {
	sink, _ := New(&fakeStream{err: errors.New("READONLY")}, "letters")
	if err := sink.Send(context.Background(), letter()); err == nil {
		t.Fatal("expected xadd error")
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, "letters"); err == nil {
		t.Fatal("expected client error")
	}
	if _, err := Dial(context.Background(), "", "letters"); err == nil {
		t.Fatal("expected address error")
	}
}
