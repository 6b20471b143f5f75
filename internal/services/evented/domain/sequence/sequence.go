// Package sequence decides whether a command may be written at an aggregate's
// current position and assigns the sequences of the resulting events.
package sequence

import (
	"fmt"
	"time"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// ConflictReason is the reason carried by every sequence conflict. Callers
// and operators match on it, so it never varies.
const ConflictReason = "sequence conflict"

// Verdict is the sequencing decision for a command.
type Verdict int

const (
	// VerdictAccept means the explicit sequence equals the next sequence.
	VerdictAccept Verdict = iota
	// VerdictAssign means the command asked for auto-assignment.
	VerdictAssign
	// VerdictMerge means the command is stale but commutative; the handler
	// must re-validate it against current history.
	VerdictMerge
	// VerdictConflict means the command is stale and may not merge, or it
	// names a sequence beyond the next one.
	VerdictConflict
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictAssign:
		return "assign"
	case VerdictMerge:
		return "merge"
	case VerdictConflict:
		return "conflict"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// rank orders verdicts from strongest to weakest.
func (v Verdict) rank() int {
	switch v {
	case VerdictAccept, VerdictAssign:
		return 0
	case VerdictMerge:
		return 1
	default:
		return 2
	}
}

// Check decides a single page against the aggregate's next sequence.
func Check(next uint64, page book.CommandPage) Verdict {
	switch {
	case page.AutoSequence:
		return VerdictAssign
	case page.Sequence == next:
		return VerdictAccept
	case page.Sequence < next && page.MergeStrategy.Commutative():
		return VerdictMerge
	default:
		return VerdictConflict
	}
}

// Decision is the folded verdict for a command book.
type Decision struct {
	Verdict Verdict
	// Page is the index of the page that produced the verdict, -1 when every
	// page was accepted or assigned.
	Page     int
	Expected uint64
	Got      uint64
}

// Error describes a conflicting decision; it returns "" otherwise.
func (d Decision) Error() string {
	if d.Verdict != VerdictConflict {
		return ""
	}
	return fmt.Sprintf("%s: page %d expected sequence %d, got %d", ConflictReason, d.Page, d.Expected, d.Got)
}

// CheckBook folds Check across the pages of a book. Page i is expected at
// next+i; the weakest verdict wins. A book made only of auto-assigned pages
// yields VerdictAssign.
func CheckBook(next uint64, pages []book.CommandPage) Decision {
	decision := Decision{Verdict: VerdictAssign, Page: -1}
	explicit := false
	for i, page := range pages {
		expected := next + uint64(i)
		verdict := Check(expected, page)
		if verdict != VerdictAssign {
			explicit = true
		}
		if verdict.rank() > decision.Verdict.rank() {
			decision = Decision{Verdict: verdict, Page: i, Expected: expected, Got: page.Sequence}
		}
	}
	if explicit && decision.Verdict == VerdictAssign {
		decision.Verdict = VerdictAccept
	}
	return decision
}

// Assign builds the contiguous event pages for payloads starting at next.
func Assign(next uint64, payloads []book.Payload, now time.Time) []book.EventPage {
	if len(payloads) == 0 {
		return nil
	}
	pages := make([]book.EventPage, len(payloads))
	for i, payload := range payloads {
		pages[i] = book.EventPage{
			Sequence:  next + uint64(i),
			Payload:   payload,
			CreatedAt: now,
		}
	}
	return pages
}
