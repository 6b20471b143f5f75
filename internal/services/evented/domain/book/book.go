// Package book defines the command and event envelopes that flow through the
// orchestration core: covers, pages, books, snapshots and saga provenance.
package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDomainRequired indicates a cover without a domain.
	ErrDomainRequired = errors.New("cover domain is required")
	// ErrRootRequired indicates a cover with the nil root.
	ErrRootRequired = errors.New("cover root is required")
	// ErrPagesRequired indicates a command book without pages.
	ErrPagesRequired = errors.New("command pages are required")
	// ErrTypeURLRequired indicates a payload without a type tag.
	ErrTypeURLRequired = errors.New("payload type url is required")
	// ErrSequenceGap indicates non-contiguous event pages.
	ErrSequenceGap = errors.New("event sequence gap")
)

// Cover identifies one aggregate instance and the causal chain it belongs to.
type Cover struct {
	Domain        string    `json:"domain"`
	Root          uuid.UUID `json:"root"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// Edition names an alternate timeline. Empty is the main timeline.
	Edition string `json:"edition,omitempty"`
}

// Key addresses one event history.
type Key struct {
	Domain  string
	Edition string
	Root    uuid.UUID
}

func (k Key) String() string {
	if k.Edition == "" {
		return k.Domain + "/" + k.Root.String()
	}
	return k.Domain + "@" + k.Edition + "/" + k.Root.String()
}

// Key returns the history address of the cover. The correlation id is not
// part of it.
func (c Cover) Key() Key {
	return Key{Domain: c.Domain, Edition: c.Edition, Root: c.Root}
}

// Validate checks that the cover addresses a history.
func (c Cover) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return ErrDomainRequired
	}
	if c.Root == uuid.Nil {
		return ErrRootRequired
	}
	return nil
}

// Payload is a type-tagged opaque value. The core never inspects Value.
type Payload struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value,omitempty"`
}

// MergeStrategy decides what happens when a command was built against a
// stale view of its aggregate.
type MergeStrategy string

const (
	// MergeConflict surfaces stale commands as retryable conflicts.
	MergeConflict MergeStrategy = "conflict"
	// MergeCommutative re-validates stale commands against current history.
	MergeCommutative MergeStrategy = "commutative"
)

// Commutative reports whether stale commands may be merged. Unknown and empty
// strategies are treated as MergeConflict.
func (s MergeStrategy) Commutative() bool {
	return s == MergeCommutative
}

// CommandPage is one command intent.
type CommandPage struct {
	Sequence uint64 `json:"sequence"`
	// AutoSequence asks the executor to assign the next sequence; Sequence is
	// ignored when set.
	AutoSequence  bool          `json:"auto_sequence,omitempty"`
	MergeStrategy MergeStrategy `json:"merge_strategy,omitempty"`
	Payload       Payload       `json:"payload"`
}

// EventPage is one persisted fact.
type EventPage struct {
	Sequence  uint64    `json:"sequence"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Retention controls how long a snapshot survives.
type Retention string

const (
	// RetentionTransient snapshots are reaped on the next snapshot write.
	RetentionTransient Retention = "transient"
	// RetentionPersist snapshots are kept indefinitely.
	RetentionPersist Retention = "persist"
)

// Snapshot is materialized aggregate state at a sequence.
type Snapshot struct {
	Sequence  uint64    `json:"sequence"`
	Payload   Payload   `json:"payload"`
	Retention Retention `json:"retention"`
	CreatedAt time.Time `json:"created_at"`
}

// EventBook is an aggregate's history: an optional snapshot and the pages
// after it.
type EventBook struct {
	Cover    Cover       `json:"cover"`
	Pages    []EventPage `json:"pages,omitempty"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
}

// NextSequence is the sequence the next event must carry: last page + 1,
// else snapshot + 1, else 0.
func (b EventBook) NextSequence() uint64 {
	if n := len(b.Pages); n > 0 {
		return b.Pages[n-1].Sequence + 1
	}
	if b.Snapshot != nil {
		return b.Snapshot.Sequence + 1
	}
	return 0
}

// Empty reports whether the book holds no history at all.
func (b EventBook) Empty() bool {
	return len(b.Pages) == 0 && b.Snapshot == nil
}

// CheckContiguous verifies pages start at first and increase by one.
func CheckContiguous(pages []EventPage, first uint64) error {
	expected := first
	for _, page := range pages {
		if page.Sequence != expected {
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, expected, page.Sequence)
		}
		expected++
	}
	return nil
}

// SagaCommandOrigin records which saga produced a command and from which
// source event.
type SagaCommandOrigin struct {
	SagaName           string `json:"saga_name"`
	TriggeringCover    Cover  `json:"triggering_cover"`
	TriggeringSequence uint64 `json:"triggering_sequence"`
}

// CommandBook is an ordered batch of commands for one aggregate. It is
// consumed once by an executor and never persisted.
type CommandBook struct {
	Cover      Cover              `json:"cover"`
	Pages      []CommandPage      `json:"pages"`
	SagaOrigin *SagaCommandOrigin `json:"saga_origin,omitempty"`
}

// Validate checks the cover and that every page is typed.
func (b CommandBook) Validate() error {
	if err := b.Cover.Validate(); err != nil {
		return err
	}
	if len(b.Pages) == 0 {
		return ErrPagesRequired
	}
	for i, page := range b.Pages {
		if strings.TrimSpace(page.Payload.TypeURL) == "" {
			return fmt.Errorf("page %d: %w", i, ErrTypeURLRequired)
		}
	}
	return nil
}

// RejectionNotification carries a permanently rejected saga command to the
// compensation pipeline.
type RejectionNotification struct {
	Command       CommandBook `json:"command"`
	Reason        string      `json:"reason"`
	SagaName      string      `json:"saga_name"`
	CorrelationID string      `json:"correlation_id"`
	SourceCover   Cover       `json:"source_cover"`
	IssuedAt      time.Time   `json:"issued_at"`
}

// Key identifies the rejection for deduplication. A saga re-run for the same
// source event rebuilds the same command, so the key is derived from the
// provenance and the rejected command rather than from IssuedAt.
func (n RejectionNotification) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s", n.SagaName, n.CorrelationID, n.Command.Cover.Key())
	if origin := n.Command.SagaOrigin; origin != nil {
		fmt.Fprintf(&b, "|%s#%d", origin.TriggeringCover.Key(), origin.TriggeringSequence)
	}
	for _, page := range n.Command.Pages {
		if page.AutoSequence {
			fmt.Fprintf(&b, "|auto:%s", page.Payload.TypeURL)
			continue
		}
		fmt.Fprintf(&b, "|%d:%s", page.Sequence, page.Payload.TypeURL)
	}
	b.WriteString("|")
	b.WriteString(n.Reason)
	return b.String()
}
