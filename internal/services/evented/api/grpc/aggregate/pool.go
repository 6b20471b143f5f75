package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	platformgrpc "github.com/louisbranch/evented/internal/platform/grpc"
	"github.com/louisbranch/evented/internal/platform/timeouts"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
	"github.com/louisbranch/evented/internal/services/evented/domain/retry"
)

// ErrUnknownDomain reports a domain with no configured address.
var ErrUnknownDomain = errors.New("unknown domain")

// Pool holds one connection per remote domain, dialed on first use.
type Pool struct {
	addrs       map[string]string
	dialer      platformgrpc.Dialer
	dialOptions []grpc.DialOption
	policy      retry.Policy
	budget      time.Duration
	cooldown    time.Duration
	clientOpts  []ClientOption
	now         func() time.Time
	logf        func(string, ...any)

	// mu guards conns and failed only; dials and backoff sleeps happen
	// outside it.
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	failed map[string]time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer overrides grpc.NewClient.
func WithDialer(d platformgrpc.Dialer) PoolOption {
	return func(p *Pool) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithDialOptions replaces platformgrpc.DefaultClientDialOptions.
func WithDialOptions(opts ...grpc.DialOption) PoolOption {
	return func(p *Pool) { p.dialOptions = opts }
}

// WithConnectPolicy overrides the connection retry policy (default
// retry.Connection).
func WithConnectPolicy(policy retry.Policy) PoolOption {
	return func(p *Pool) { p.policy = policy }
}

// WithConnectBudget caps the total time spent dialing one domain (default
// timeouts.GRPCConnect).
func WithConnectBudget(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithDialCooldown sets how long a failed domain fails fast before the next
// dial (default timeouts.GRPCDialCooldown). Zero disables the cooldown.
func WithDialCooldown(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d >= 0 {
			p.cooldown = d
		}
	}
}

// WithPoolClock overrides the cooldown clock.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithClientOptions applies opts to every client the pool hands out.
func WithClientOptions(opts ...ClientOption) PoolOption {
	return func(p *Pool) { p.clientOpts = append(p.clientOpts, opts...) }
}

// WithPoolLogger overrides log.Printf.
func WithPoolLogger(logf func(string, ...any)) PoolOption {
	return func(p *Pool) {
		if logf != nil {
			p.logf = logf
		}
	}
}

// NewPool builds a pool over domain → address routes.
func NewPool(addrs map[string]string, opts ...PoolOption) *Pool {
	p := &Pool{
		addrs:       make(map[string]string, len(addrs)),
		dialer:      platformgrpc.DialerFunc(grpc.NewClient),
		dialOptions: platformgrpc.DefaultClientDialOptions(),
		policy:      retry.Connection(),
		budget:      timeouts.GRPCConnect,
		cooldown:    timeouts.GRPCDialCooldown,
		now:         time.Now,
		logf:        log.Printf,
		conns:       make(map[string]*grpc.ClientConn),
		failed:      make(map[string]time.Time),
	}
	for domain, addr := range addrs {
		domain, addr = strings.TrimSpace(domain), strings.TrimSpace(addr)
		if domain != "" && addr != "" {
			p.addrs[domain] = addr
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Domains lists the routed domains.
func (p *Pool) Domains() []string {
	domains := make([]string, 0, len(p.addrs))
	for domain := range p.addrs {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Client returns the client of domain, dialing it when needed.
func (p *Pool) Client(ctx context.Context, domain string) (*Client, error) {
	conn, err := p.conn(ctx, domain)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, p.clientOpts...), nil
}

func (p *Pool) conn(ctx context.Context, domain string) (*grpc.ClientConn, error) {
	addr, ok := p.addrs[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}

	p.mu.Lock()
	conn, ok := p.conns[domain]
	failedAt, failed := p.failed[domain]
	p.mu.Unlock()
	if ok {
		return conn, nil
	}
	if failed && p.now().Sub(failedAt) < p.cooldown {
		return nil, apperrors.WithMetadata(apperrors.CodeTransportFailure,
			fmt.Sprintf("connect %s: unreachable since %s", domain, failedAt.UTC().Format(time.RFC3339)),
			map[string]string{"domain": domain})
	}

	dialed, err := backoff.Retry(ctx, func() (*grpc.ClientConn, error) {
		conn, err := platformgrpc.DialWithHealth(ctx, p.dialer, addr, ServiceName, timeouts.GRPCDial, nil, p.dialOptions...)
		if err == nil {
			return conn, nil
		}
		var dialErr *platformgrpc.DialError
		if errors.As(err, &dialErr) && dialErr.Stage == platformgrpc.DialStageConnect {
			return nil, backoff.Permanent(err)
		}
		p.logf("dial %s at %s: %v", domain, addr, err)
		return nil, err
	}, backoff.WithBackOff(p.policy.BackOff()), backoff.WithMaxElapsedTime(p.budget))
	if err != nil {
		p.mu.Lock()
		p.failed[domain] = p.now()
		p.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.CodeTransportFailure, fmt.Sprintf("connect %s: %v", domain, err), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failed, domain)
	if existing, ok := p.conns[domain]; ok {
		_ = dialed.Close()
		return existing, nil
	}
	p.conns[domain] = dialed
	return dialed, nil
}

// Execute routes cmd to its domain.
func (p *Pool) Execute(ctx context.Context, cmd book.CommandBook) (executor.Outcome, error) {
	client, err := p.Client(ctx, cmd.Cover.Domain)
	if err != nil {
		return executor.Outcome{}, err
	}
	return client.Execute(ctx, cmd)
}

// Fetch routes to the cover's domain; unreachable domains read as empty.
func (p *Pool) Fetch(ctx context.Context, cover book.Cover) *book.EventBook {
	client, err := p.Client(ctx, cover.Domain)
	if err != nil {
		p.logf("fetch %s: %v", cover.Key(), err)
		return nil
	}
	return client.Fetch(ctx, cover)
}

// FetchByCorrelation routes to domain.
func (p *Pool) FetchByCorrelation(ctx context.Context, domain, correlationID string) *book.EventBook {
	client, err := p.Client(ctx, domain)
	if err != nil {
		p.logf("fetch %s by correlation %s: %v", domain, correlationID, err)
		return nil
	}
	return client.FetchByCorrelation(ctx, domain, correlationID)
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.mu.Unlock()

	var errs []error
	for domain, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", domain, err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ executor.Executor = (*Pool)(nil)
	_ fetch.Fetcher     = (*Pool)(nil)
)
