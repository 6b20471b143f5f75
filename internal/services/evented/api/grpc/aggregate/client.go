package aggregate

import (
	"context"
	"errors"
	"log"
	"time"

	"google.golang.org/grpc"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	platformgrpc "github.com/louisbranch/evented/internal/platform/grpc"
	"github.com/louisbranch/evented/internal/platform/timeouts"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
)

// Client calls evented.v1.AggregateService on one connection.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logf    func(string, ...any)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds each call (default timeouts.GRPCRequest). A
// non-positive value leaves calls bounded only by the caller's context.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger overrides log.Printf.
func WithClientLogger(logf func(string, ...any)) ClientOption {
	return func(c *Client) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{conn: conn, timeout: timeouts.GRPCRequest, logf: log.Printf}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c == nil || c.conn == nil {
		return apperrors.New(apperrors.CodeTransportFailure, "aggregate client is not configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, method, in, out, platformgrpc.CallOption())
}

// Execute submits cmd. Aborted answers become Retryable outcomes without
// state, so callers re-fetch; FailedPrecondition answers become Rejected
// outcomes carrying the remote reason verbatim and the rejected command as
// the server saw it. Everything else is an error
// coded with the platform taxonomy.
func (c *Client) Execute(ctx context.Context, cmd book.CommandBook) (executor.Outcome, error) {
	return c.run(ctx, HandleMethod, cmd)
}

// DryRun asks the remote domain for a speculative outcome.
func (c *Client) DryRun(ctx context.Context, cmd book.CommandBook) (executor.Outcome, error) {
	return c.run(ctx, DryRunMethod, cmd)
}

func (c *Client) run(ctx context.Context, method string, cmd book.CommandBook) (executor.Outcome, error) {
	var events book.EventBook
	err := c.invoke(ctx, method, &cmd, &events)
	if err == nil {
		return executor.Succeeded(events), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return executor.Outcome{}, ctxErr
	}
	remote := apperrors.FromGRPCStatus(err)
	switch remote.Code {
	case apperrors.CodeSequenceConflict:
		return executor.Conflicted(remote.Message, nil), nil
	case apperrors.CodeBusinessRejection:
		return executor.Refused(remote.Message, rejectedCommand(remote, cmd)), nil
	default:
		return executor.Outcome{}, remote
	}
}

// Fetch returns the remote history of cover, or nil when it is empty or
// unreachable.
func (c *Client) Fetch(ctx context.Context, cover book.Cover) *book.EventBook {
	var out book.EventBook
	if err := c.invoke(ctx, GetEventBookMethod, &cover, &out); err != nil {
		c.logf("fetch %s: %v", cover.Key(), err)
		return nil
	}
	if out.Empty() {
		return nil
	}
	return &out
}

// FetchByCorrelation returns the remote correlated history, or nil.
func (c *Client) FetchByCorrelation(ctx context.Context, domain, correlationID string) *book.EventBook {
	var out book.EventBook
	query := CorrelationQuery{Domain: domain, CorrelationID: correlationID}
	if err := c.invoke(ctx, GetByCorrelationMethod, &query, &out); err != nil {
		if !errors.Is(apperrors.FromGRPCStatus(err), apperrors.New(apperrors.CodeNotFound, "")) {
			c.logf("fetch %s by correlation %s: %v", domain, correlationID, err)
		}
		return nil
	}
	return &out
}

var (
	_ executor.Executor  = (*Client)(nil)
	_ executor.DryRunner = (*Client)(nil)
	_ fetch.Fetcher      = (*Client)(nil)
)
