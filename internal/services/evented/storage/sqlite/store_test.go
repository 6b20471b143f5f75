package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
	"github.com/louisbranch/evented/internal/services/evented/storage"
	"github.com/louisbranch/evented/internal/services/evented/storage/storagetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "evented.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestEventStore(t *testing.T) {
	storagetest.EventStore(t, func(t *testing.T) storage.EventStore { return openTempStore(t).Events() })
}

func TestSnapshotStore(t *testing.T) {
	storagetest.SnapshotStore(t, func(t *testing.T) storage.SnapshotStore { return openTempStore(t).Snapshots() })
}

func TestPositionStore(t *testing.T) {
	storagetest.PositionStore(t, func(t *testing.T) storage.PositionStore { return openTempStore(t).Positions() })
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsHistoryAndClaims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evented.db")
	ctx := context.Background()
	cover := book.Cover{Domain: "wallet", Root: uuid.New()}

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Events().Add(ctx, cover, []book.EventPage{{Sequence: 0, Payload: book.Payload{TypeURL: "wallet.Opened"}}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ok, err := first.Claims().Claim(ctx, "rejection-1"); err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	pages, err := second.Events().Get(ctx, cover.Key())
	if err != nil || len(pages) != 1 {
		t.Fatalf("pages = %v, %v", pages, err)
	}
	if ok, err := second.Claims().Claim(ctx, "rejection-1"); err != nil || ok {
		t.Fatalf("claim after restart = %v, %v; want already claimed", ok, err)
	}
}

func TestClaimsAreExclusiveUnderContention(t *testing.T) {
	claims := openTempStore(t).Claims()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := claims.Claim(context.Background(), "rejection-2")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestDeadLetters(t *testing.T) {
	letters := openTempStore(t).DeadLetters()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, reason := range []string{"insufficient funds", "account frozen"} {
		letter := compensation.Letter{
			Key: reason,
			Notification: book.RejectionNotification{
				Reason:   reason,
				SagaName: "order-fulfillment",
				Command: book.CommandBook{
					Cover: book.Cover{Domain: "wallet", Root: uuid.New()},
					Pages: []book.CommandPage{{Payload: book.Payload{TypeURL: "wallet.Charge", Value: []byte("100")}}},
				},
			},
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := letters.Send(ctx, letter); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	got, err := letters.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("letters = %d, want 2", len(got))
	}
	if got[0].Notification.Reason != "account frozen" || !got[0].CreatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("newest letter = %+v", got[0])
	}
	if string(got[1].Notification.Command.Pages[0].Payload.Value) != "100" {
		t.Fatalf("command payload = %q", got[1].Notification.Command.Pages[0].Payload.Value)
	}
	if _, err := letters.List(ctx, 0); err == nil {
		t.Fatal("expected limit error")
	}
}
