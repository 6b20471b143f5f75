package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	platformgrpc "github.com/louisbranch/evented/internal/platform/grpc"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
	"github.com/louisbranch/evented/internal/services/evented/domain/handler"
	"github.com/louisbranch/evented/internal/services/evented/domain/retry"
	"github.com/louisbranch/evented/internal/services/evented/storage/memory"
)

var walletRoot = uuid.MustParse("2f7b6c1d-8e9a-4b0c-9d1e-2f3a4b5c6d7e")

const bufSize = 1 << 20

func quiet(string, ...any) {}

// walletServer serves a wallet domain whose charges above 50 are refused.
func walletServer(t *testing.T) *bufconn.Listener {
	t.Helper()
	events := memory.NewEventStore()
	local, err := executor.NewLocal(events, executor.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	wallet := handler.NewRegistry()
	if err := wallet.Register("wallet.Charge", func(_ context.Context, cmd handler.Command, _ book.EventBook) ([]book.Payload, error) {
		amount, _ := strconv.Atoi(string(cmd.Page.Payload.Value))
		if amount > 50 {
			return nil, handler.Reject("insufficient funds")
		}
		return []book.Payload{{TypeURL: "wallet.Charged", Value: cmd.Page.Payload.Value}}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := local.Register("wallet", wallet); err != nil {
		t.Fatalf("register domain: %v", err)
	}

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	Register(srv, NewService(local, fetch.NewStore(events, nil)))
	platformgrpc.RegisterHealth(srv, ServiceName)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func bufDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func dialClient(t *testing.T, lis *bufconn.Listener) *Client {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn, WithClientLogger(quiet))
}

func charge(seq uint64, amount string) book.CommandBook {
	return book.CommandBook{
		Cover: book.Cover{Domain: "wallet", Root: walletRoot, CorrelationID: "order-42"},
		Pages: []book.CommandPage{{
			Sequence:      seq,
			MergeStrategy: book.MergeConflict,
			Payload:       book.Payload{TypeURL: "wallet.Charge", Value: []byte(amount)},
		}},
	}
}

func TestExecuteOverGRPC(t *testing.T) {
	client := dialClient(t, walletServer(t))
	ctx := context.Background()

	outcome, err := client.Execute(ctx, charge(0, "10"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Kind != executor.Success || len(outcome.Events.Pages) != 1 || outcome.Events.Pages[0].Sequence != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Events.Cover.Root != walletRoot {
		t.Fatalf("cover = %+v", outcome.Events.Cover)
	}

	stale, err := client.Execute(ctx, charge(0, "10"))
	if err != nil {
		t.Fatalf("stale execute: %v", err)
	}
	if stale.Kind != executor.Retryable || stale.Reason != "sequence conflict" || stale.Current != nil {
		t.Fatalf("stale outcome = %+v", stale)
	}
}

func TestExecuteRejectionKeepsReason(t *testing.T) {
	client := dialClient(t, walletServer(t))
	cmd := charge(0, "100")

	outcome, err := client.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Kind != executor.Rejected || outcome.Reason != "insufficient funds" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Command == nil || string(outcome.Command.Pages[0].Payload.Value) != "100" {
		t.Fatalf("rejected command = %+v", outcome.Command)
	}
}

func TestRejectionStatusEmbedsCommand(t *testing.T) {
	lis := walletServer(t)
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cmd := charge(0, "100")
	cmd.Cover.CorrelationID = "order-7"
	var out book.EventBook
	err = conn.Invoke(context.Background(), HandleMethod, &cmd, &out, platformgrpc.CallOption())
	remote := apperrors.FromGRPCStatus(err)
	if remote == nil || remote.Code != apperrors.CodeBusinessRejection {
		t.Fatalf("err = %v, want business rejection", err)
	}
	var rejected book.CommandBook
	if err := json.Unmarshal([]byte(remote.Metadata[RejectedCommandKey]), &rejected); err != nil {
		t.Fatalf("decode rejected command: %v", err)
	}
	if rejected.Cover.CorrelationID != "order-7" || string(rejected.Pages[0].Payload.Value) != "100" {
		t.Fatalf("rejected command = %+v", rejected)
	}
}

func TestRejectedCommandFallsBackToSubmitted(t *testing.T) {
	submitted := charge(3, "9")
	got := rejectedCommand(apperrors.New(apperrors.CodeBusinessRejection, "no"), submitted)
	if got.Pages[0].Sequence != 3 {
		t.Fatalf("fallback command = %+v", got)
	}
	garbled := apperrors.WithMetadata(apperrors.CodeBusinessRejection, "no", map[string]string{RejectedCommandKey: "{"})
	if got := rejectedCommand(garbled, submitted); got.Pages[0].Sequence != 3 {
		t.Fatalf("garbled command = %+v", got)
	}
}

func TestExecuteUnknownDomainIsTerminal(t *testing.T) {
	client := dialClient(t, walletServer(t))
	cmd := charge(0, "10")
	cmd.Cover.Domain = "ghost"

	_, err := client.Execute(context.Background(), cmd)
	if apperrors.CodeOf(err) != apperrors.CodeHandlerMissing {
		t.Fatalf("err = %v, want handler missing", err)
	}
	if retry.Classify(err) != retry.Terminal {
		t.Fatalf("class = %s, want terminal", retry.Classify(err))
	}
}

func TestDryRunDoesNotPersist(t *testing.T) {
	client := dialClient(t, walletServer(t))
	ctx := context.Background()

	outcome, err := client.DryRun(ctx, charge(0, "10"))
	if err != nil || outcome.Kind != executor.Success || len(outcome.Events.Pages) != 1 {
		t.Fatalf("dry run = %+v, %v", outcome, err)
	}
	if got := client.Fetch(ctx, book.Cover{Domain: "wallet", Root: walletRoot}); got != nil {
		t.Fatalf("dry run persisted %+v", got)
	}
}

func TestFetchOverGRPC(t *testing.T) {
	client := dialClient(t, walletServer(t))
	ctx := context.Background()
	if _, err := client.Execute(ctx, charge(0, "10")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := client.Fetch(ctx, book.Cover{Domain: "wallet", Root: walletRoot})
	if got == nil || got.NextSequence() != 1 {
		t.Fatalf("fetch = %+v", got)
	}
	if client.Fetch(ctx, book.Cover{Domain: "wallet", Root: uuid.New()}) != nil {
		t.Fatal("empty aggregate must fetch as nil")
	}

	correlated := client.FetchByCorrelation(ctx, "wallet", "order-42")
	if correlated == nil || correlated.Cover.Root != walletRoot || len(correlated.Pages) != 1 {
		t.Fatalf("by correlation = %+v", correlated)
	}
	if client.FetchByCorrelation(ctx, "wallet", "order-99") != nil {
		t.Fatal("unknown correlation must fetch as nil")
	}
}

func TestUnreachableServerIsTransportFailure(t *testing.T) {
	lis := walletServer(t)
	client := dialClient(t, lis)
	_ = lis.Close()

	_, err := client.Execute(context.Background(), charge(0, "10"))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if retry.Classify(err) != retry.Transport {
		t.Fatalf("class = %s (%v), want transport", retry.Classify(err), err)
	}
	if client.Fetch(context.Background(), book.Cover{Domain: "wallet", Root: walletRoot}) != nil {
		t.Fatal("unreachable fetch must be nil")
	}
}

func TestPoolRoutesByDomain(t *testing.T) {
	lis := walletServer(t)
	var dials atomic.Int32
	dialer := platformgrpc.DialerFunc(func(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		dials.Add(1)
		if addr != "wallet.internal:9000" {
			t.Errorf("addr = %q", addr)
		}
		return grpc.NewClient("passthrough:///bufnet", opts...)
	})
	pool := NewPool(map[string]string{"wallet": "wallet.internal:9000", " ": "ignored"},
		WithDialer(dialer),
		WithDialOptions(bufDialOptions(lis)...),
		WithConnectPolicy(retry.Immediate(2)),
		WithClientOptions(WithClientLogger(quiet)),
		WithPoolLogger(quiet),
	)
	defer pool.Close()

	if got := pool.Domains(); len(got) != 1 || got[0] != "wallet" {
		t.Fatalf("domains = %v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		outcome, err := pool.Execute(ctx, charge(uint64(i), "10"))
		if err != nil || outcome.Kind != executor.Success {
			t.Fatalf("execute #%d = %+v, %v", i, outcome, err)
		}
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want one pooled connection", dials.Load())
	}
	if got := pool.Fetch(ctx, book.Cover{Domain: "wallet", Root: walletRoot}); got == nil || got.NextSequence() != 2 {
		t.Fatalf("pool fetch = %+v", got)
	}
}

func TestPoolUnknownDomain(t *testing.T) {
	pool := NewPool(nil, WithPoolLogger(quiet))
	_, err := pool.Execute(context.Background(), charge(0, "10"))
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("err = %v, want unknown domain", err)
	}
	if pool.Fetch(context.Background(), book.Cover{Domain: "wallet", Root: walletRoot}) != nil {
		t.Fatal("unknown domain must fetch as nil")
	}
}

func TestPoolConnectFailureIsNotRetried(t *testing.T) {
	var dials atomic.Int32
	dialer := platformgrpc.DialerFunc(func(string, ...grpc.DialOption) (*grpc.ClientConn, error) {
		dials.Add(1)
		return nil, errors.New("bad target")
	})
	pool := NewPool(map[string]string{"wallet": "wallet.internal:9000"},
		WithDialer(dialer), WithConnectPolicy(retry.Immediate(5)), WithPoolLogger(quiet))

	_, err := pool.Execute(context.Background(), charge(0, "10"))
	if apperrors.CodeOf(err) != apperrors.CodeTransportFailure {
		t.Fatalf("err = %v, want transport failure", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", dials.Load())
	}
}

func TestPoolFailsFastDuringDialCooldown(t *testing.T) {
	var dials atomic.Int32
	dialer := platformgrpc.DialerFunc(func(string, ...grpc.DialOption) (*grpc.ClientConn, error) {
		dials.Add(1)
		return nil, errors.New("bad target")
	})
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pool := NewPool(map[string]string{"wallet": "wallet.internal:9000"},
		WithDialer(dialer),
		WithDialCooldown(time.Minute),
		WithPoolClock(func() time.Time { return now }),
		WithPoolLogger(quiet))

	for i := 0; i < 3; i++ {
		if _, err := pool.Execute(context.Background(), charge(0, "10")); apperrors.CodeOf(err) != apperrors.CodeTransportFailure {
			t.Fatalf("execute #%d err = %v, want transport failure", i, err)
		}
	}
	if pool.Fetch(context.Background(), book.Cover{Domain: "wallet", Root: walletRoot}) != nil {
		t.Fatal("unreachable fetch must be nil")
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1 within the cooldown", dials.Load())
	}

	now = now.Add(2 * time.Minute)
	_, _ = pool.Execute(context.Background(), charge(0, "10"))
	if dials.Load() != 2 {
		t.Fatalf("dials = %d, want a new dial after the cooldown", dials.Load())
	}
}

func TestPoolConnectBudgetBoundsUnhealthyDomain(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	_ = lis.Close()
	var dials atomic.Int32
	dialer := platformgrpc.DialerFunc(func(_ string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		dials.Add(1)
		return grpc.NewClient("passthrough:///bufnet", opts...)
	})
	pool := NewPool(map[string]string{"wallet": "wallet.internal:9000"},
		WithDialer(dialer),
		WithDialOptions(bufDialOptions(lis)...),
		WithConnectPolicy(retry.Immediate(100)),
		WithConnectBudget(10*time.Millisecond),
		WithPoolLogger(quiet))
	defer pool.Close()

	start := time.Now()
	if got := pool.Fetch(context.Background(), book.Cover{Domain: "wallet", Root: walletRoot}); got != nil {
		t.Fatalf("fetch = %+v, want nil", got)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("fetch took %s", elapsed)
	}
	if n := dials.Load(); n < 1 || n > 2 {
		t.Fatalf("dials = %d, want the budget to stop retries", n)
	}
}
