package sequence

import (
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

func explicit(seq uint64, strategy book.MergeStrategy) book.CommandPage {
	return book.CommandPage{Sequence: seq, MergeStrategy: strategy, Payload: book.Payload{TypeURL: "t"}}
}

func auto() book.CommandPage {
	return book.CommandPage{AutoSequence: true, Payload: book.Payload{TypeURL: "t"}}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		next uint64
		page book.CommandPage
		want Verdict
	}{
		{"auto assign ignores sequence", 5, book.CommandPage{AutoSequence: true, Sequence: 1}, VerdictAssign},
		{"explicit equals next", 3, explicit(3, book.MergeConflict), VerdictAccept},
		{"stale conflict", 5, explicit(3, book.MergeConflict), VerdictConflict},
		{"stale empty strategy fails closed", 5, explicit(3, ""), VerdictConflict},
		{"stale commutative", 5, explicit(3, book.MergeCommutative), VerdictMerge},
		{"future sequence", 3, explicit(4, book.MergeCommutative), VerdictConflict},
		{"zero on empty aggregate", 0, explicit(0, ""), VerdictAccept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Check(tt.next, tt.page); got != tt.want {
				t.Fatalf("Check(%d) = %s, want %s", tt.next, got, tt.want)
			}
		})
	}
}

func TestCheckBook(t *testing.T) {
	tests := []struct {
		name     string
		next     uint64
		pages    []book.CommandPage
		want     Verdict
		wantPage int
	}{
		{"all auto", 2, []book.CommandPage{auto(), auto()}, VerdictAssign, -1},
		{"explicit run", 2, []book.CommandPage{explicit(2, ""), explicit(3, "")}, VerdictAccept, -1},
		{"explicit then auto", 2, []book.CommandPage{explicit(2, ""), auto()}, VerdictAccept, -1},
		{"second page stale", 2, []book.CommandPage{explicit(2, ""), explicit(2, "")}, VerdictConflict, 1},
		{"stale commutative run", 5, []book.CommandPage{explicit(3, book.MergeCommutative), explicit(4, book.MergeCommutative)}, VerdictMerge, 0},
		{"conflict beats merge", 5, []book.CommandPage{explicit(3, book.MergeCommutative), explicit(4, book.MergeConflict)}, VerdictConflict, 1},
		{"empty book", 0, nil, VerdictAssign, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckBook(tt.next, tt.pages)
			if got.Verdict != tt.want || got.Page != tt.wantPage {
				t.Fatalf("CheckBook = %s at page %d, want %s at page %d", got.Verdict, got.Page, tt.want, tt.wantPage)
			}
		})
	}
}

func TestDecisionErrorCarriesConflictReason(t *testing.T) {
	d := CheckBook(5, []book.CommandPage{explicit(3, book.MergeConflict)})
	if !strings.HasPrefix(d.Error(), ConflictReason) {
		t.Fatalf("error = %q", d.Error())
	}
	if CheckBook(3, []book.CommandPage{explicit(3, "")}).Error() != "" {
		t.Fatal("expected no error for accepted book")
	}
}

func TestAssign(t *testing.T) {
	now := time.Unix(100, 0)
	pages := Assign(4, []book.Payload{{TypeURL: "a"}, {TypeURL: "b"}}, now)
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if err := book.CheckContiguous(pages, 4); err != nil {
		t.Fatalf("contiguous: %v", err)
	}
	if pages[1].Payload.TypeURL != "b" || !pages[0].CreatedAt.Equal(now) {
		t.Fatalf("unexpected pages: %+v", pages)
	}
	if Assign(0, nil, now) != nil {
		t.Fatal("expected nil for no payloads")
	}
}
