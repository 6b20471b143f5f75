package executor

import (
	"context"
	"strconv"
	"testing"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/handler"
)

// ledgerRegistry is a small balance-keeping domain: deposits always succeed,
// withdrawals are refused when the balance is short.
func ledgerRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	r := handler.NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(r.Register("ledger.Deposit", func(_ context.Context, cmd handler.Command, _ book.EventBook) ([]book.Payload, error) {
		return []book.Payload{{TypeURL: "ledger.Deposited", Value: cmd.Page.Payload.Value}}, nil
	}))
	must(r.Register("ledger.Withdraw", func(_ context.Context, cmd handler.Command, state book.EventBook) ([]book.Payload, error) {
		if balance(state) < amount(cmd.Page.Payload.Value) {
			return nil, handler.Reject("insufficient funds")
		}
		return []book.Payload{{TypeURL: "ledger.Withdrawn", Value: cmd.Page.Payload.Value}}, nil
	}))
	return r
}

func amount(raw []byte) int {
	n, _ := strconv.Atoi(string(raw))
	return n
}

func balance(state book.EventBook) int {
	total := 0
	if state.Snapshot != nil {
		total = amount(state.Snapshot.Payload.Value)
	}
	for _, page := range state.Pages {
		switch page.Payload.TypeURL {
		case "ledger.Deposited":
			total += amount(page.Payload.Value)
		case "ledger.Withdrawn":
			total -= amount(page.Payload.Value)
		}
	}
	return total
}

func deposit(n int) book.Payload {
	return book.Payload{TypeURL: "ledger.Deposit", Value: []byte(strconv.Itoa(n))}
}

func withdraw(n int) book.Payload {
	return book.Payload{TypeURL: "ledger.Withdraw", Value: []byte(strconv.Itoa(n))}
}
