package book

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testRoot = uuid.MustParse("7f0c5a4e-2a53-4c4b-9b7e-0d3f4b1c9a10")

func TestNextSequence(t *testing.T) {
	tests := []struct {
		name string
		book EventBook
		want uint64
	}{
		{name: "empty", book: EventBook{}, want: 0},
		{name: "snapshot only", book: EventBook{Snapshot: &Snapshot{Sequence: 4}}, want: 5},
		{
			name: "pages win over snapshot",
			book: EventBook{
				Snapshot: &Snapshot{Sequence: 4},
				Pages:    []EventPage{{Sequence: 5}, {Sequence: 6}},
			},
			want: 7,
		},
		{name: "pages from zero", book: EventBook{Pages: []EventPage{{Sequence: 0}, {Sequence: 1}, {Sequence: 2}}}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.book.NextSequence(); got != tt.want {
				t.Fatalf("NextSequence() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCoverKeyIgnoresCorrelation(t *testing.T) {
	a := Cover{Domain: "orders", Root: testRoot, CorrelationID: "a"}
	b := Cover{Domain: "orders", Root: testRoot, CorrelationID: "b"}
	if a.Key() != b.Key() {
		t.Fatal("expected same key for different correlation ids")
	}
	forked := Cover{Domain: "orders", Root: testRoot, Edition: "what-if"}
	if a.Key() == forked.Key() {
		t.Fatal("expected editions to address different histories")
	}
	if forked.Key().String() != "orders@what-if/"+testRoot.String() {
		t.Fatalf("key string = %q", forked.Key().String())
	}
}

func TestCommandBookValidate(t *testing.T) {
	valid := CommandBook{
		Cover: Cover{Domain: "orders", Root: testRoot},
		Pages: []CommandPage{{AutoSequence: true, Payload: Payload{TypeURL: "orders.Create"}}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*CommandBook)
		want error
	}{
		{"missing domain", func(b *CommandBook) { b.Cover.Domain = " " }, ErrDomainRequired},
		{"nil root", func(b *CommandBook) { b.Cover.Root = uuid.Nil }, ErrRootRequired},
		{"no pages", func(b *CommandBook) { b.Pages = nil }, ErrPagesRequired},
		{"untyped page", func(b *CommandBook) { b.Pages = []CommandPage{{}} }, ErrTypeURLRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid
			cmd.Pages = append([]CommandPage(nil), valid.Pages...)
			tt.mut(&cmd)
			if err := cmd.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckContiguous(t *testing.T) {
	if err := CheckContiguous([]EventPage{{Sequence: 3}, {Sequence: 4}}, 3); err != nil {
		t.Fatalf("contiguous: %v", err)
	}
	if err := CheckContiguous([]EventPage{{Sequence: 3}, {Sequence: 5}}, 3); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want gap", err)
	}
	if err := CheckContiguous([]EventPage{{Sequence: 1}}, 0); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want gap", err)
	}
}

func TestMergeStrategyFailsClosed(t *testing.T) {
	if MergeStrategy("").Commutative() || MergeStrategy("bogus").Commutative() || MergeConflict.Commutative() {
		t.Fatal("only commutative strategy may merge")
	}
	if !MergeCommutative.Commutative() {
		t.Fatal("expected commutative to merge")
	}
}

func TestRejectionKeyStableAcrossReissue(t *testing.T) {
	cmd := CommandBook{
		Cover: Cover{Domain: "payments", Root: testRoot, CorrelationID: "corr-1"},
		Pages: []CommandPage{{Sequence: 2, Payload: Payload{TypeURL: "payments.Charge"}}},
		SagaOrigin: &SagaCommandOrigin{
			SagaName:           "order-payment",
			TriggeringCover:    Cover{Domain: "orders", Root: testRoot},
			TriggeringSequence: 7,
		},
	}
	first := RejectionNotification{Command: cmd, Reason: "insufficient funds", SagaName: "order-payment", CorrelationID: "corr-1", IssuedAt: time.Unix(1, 0)}
	second := first
	second.IssuedAt = time.Unix(2, 0)
	if first.Key() != second.Key() {
		t.Fatal("expected issue time not to affect key")
	}

	other := first
	other.Command.SagaOrigin = &SagaCommandOrigin{SagaName: "order-payment", TriggeringCover: cmd.SagaOrigin.TriggeringCover, TriggeringSequence: 8}
	if first.Key() == other.Key() {
		t.Fatal("expected different source event to produce a different key")
	}
}
