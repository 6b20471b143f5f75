package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/platform/otel"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/handler"
	"github.com/louisbranch/evented/internal/services/evented/domain/retry"
	"github.com/louisbranch/evented/internal/services/evented/domain/sequence"
	"github.com/louisbranch/evented/internal/services/evented/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Local executes commands in-process against registered handlers.
//
// No aggregate is ever locked: racing writers are serialized by the event
// store's sequence check. Commands whose pages are auto-assigned or
// commutative are re-validated against fresh history when they lose such a
// race, using the merge policy; explicit commands surface the race as
// Retryable.
type Local struct {
	events        storage.EventStore
	snapshots     storage.SnapshotStore
	publisher     Publisher
	mergePolicy   retry.Policy
	snapshotEvery uint64
	now           func() time.Time
	logf          func(string, ...any)

	mu       sync.RWMutex
	handlers map[string]handler.Handler
}

// Option configures a Local executor.
type Option func(*Local)

// WithSnapshots writes a snapshot every `every` events for handlers that
// implement handler.Snapshotter. every == 0 disables writing; snapshots are
// still read.
func WithSnapshots(store storage.SnapshotStore, every uint64) Option {
	return func(l *Local) {
		l.snapshots = store
		l.snapshotEvery = every
	}
}

// WithPublisher publishes persisted events.
func WithPublisher(p Publisher) Option {
	return func(l *Local) { l.publisher = p }
}

// WithMergePolicy overrides the re-validation policy (default retry.Fast).
func WithMergePolicy(p retry.Policy) Option {
	return func(l *Local) { l.mergePolicy = p }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger overrides log.Printf.
func WithLogger(logf func(string, ...any)) Option {
	return func(l *Local) {
		if logf != nil {
			l.logf = logf
		}
	}
}

// NewLocal builds a Local executor over events.
func NewLocal(events storage.EventStore, opts ...Option) (*Local, error) {
	if events == nil {
		return nil, errors.New("event store is required")
	}
	l := &Local{
		events:      events,
		mergePolicy: retry.Fast(),
		now:         func() time.Time { return time.Now().UTC() },
		logf:        log.Printf,
		handlers:    make(map[string]handler.Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Register binds a domain to its handler.
func (l *Local) Register(domain string, h handler.Handler) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return book.ErrDomainRequired
	}
	if h == nil {
		return errors.New("handler is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.handlers[domain]; exists {
		return fmt.Errorf("domain %s is already registered", domain)
	}
	l.handlers[domain] = h
	return nil
}

// Domains lists registered domains.
func (l *Local) Domains() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	domains := make([]string, 0, len(l.handlers))
	for domain := range l.handlers {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Handles reports whether domain is registered.
func (l *Local) Handles(domain string) bool {
	_, ok := l.handler(domain)
	return ok
}

func (l *Local) handler(domain string) (handler.Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[domain]
	return h, ok
}

// Load returns the current history of cover.
func (l *Local) Load(ctx context.Context, cover book.Cover) (book.EventBook, error) {
	return storage.Load(ctx, l.events, l.snapshots, cover)
}

// Execute validates, handles, persists and publishes cmd.
func (l *Local) Execute(ctx context.Context, cmd book.CommandBook) (Outcome, error) {
	ctx, span := startSpan(ctx, "executor.Execute", cmd)
	defer span.End()
	outcome, err := l.run(ctx, cmd, true)
	endSpan(span, outcome, err)
	return outcome, err
}

// DryRun handles cmd against current history without persisting or
// publishing. The returned events carry the sequences they would receive.
func (l *Local) DryRun(ctx context.Context, cmd book.CommandBook) (Outcome, error) {
	ctx, span := startSpan(ctx, "executor.DryRun", cmd)
	defer span.End()
	outcome, err := l.run(ctx, cmd, false)
	endSpan(span, outcome, err)
	return outcome, err
}

func (l *Local) run(ctx context.Context, cmd book.CommandBook, persist bool) (Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeInvalidCommand, err.Error(), err)
	}
	h, ok := l.handler(cmd.Cover.Domain)
	if !ok {
		return Outcome{}, apperrors.WithMetadata(apperrors.CodeHandlerMissing,
			"no handler registered for domain "+cmd.Cover.Domain,
			map[string]string{"domain": cmd.Cover.Domain})
	}

	prior, err := l.Load(ctx, cmd.Cover)
	if err != nil {
		return Outcome{}, err
	}
	decision := sequence.CheckBook(prior.NextSequence(), cmd.Pages)
	if decision.Verdict == sequence.VerdictConflict {
		return Conflicted(sequence.ConflictReason, &prior), nil
	}
	mergeable, commutative := mergeMode(cmd.Pages)

	var (
		outcome Outcome
		failure error
	)
	err = retry.Do(ctx, l.mergePolicy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			fresh, err := l.Load(ctx, cmd.Cover)
			if err != nil {
				failure = err
				return nil
			}
			prior = fresh
		}
		outcome, failure = l.attempt(ctx, h, cmd, prior, attempt, persist, commutative && (decision.Verdict == sequence.VerdictMerge || attempt > 0))
		if failure == errLostRace && mergeable {
			return errLostRace
		}
		return nil
	})
	switch {
	case err == errLostRace, failure == errLostRace:
		// Lost the race for good; report the history that beat us.
		current, err := l.Load(ctx, cmd.Cover)
		if err != nil {
			return Outcome{}, err
		}
		return Conflicted(sequence.ConflictReason, &current), nil
	case err != nil:
		return Outcome{}, err
	case failure != nil:
		return Outcome{}, failure
	}
	return outcome, nil
}

// errLostRace marks an append beaten by another writer; merge re-validation
// retries it.
var errLostRace = apperrors.New(apperrors.CodeSequenceConflict, "lost append race")

// attempt handles cmd once against prior and persists the result. stale is
// set when a commutative command is being re-validated against newer history.
func (l *Local) attempt(ctx context.Context, h handler.Handler, cmd book.CommandBook, prior book.EventBook, attempt int, persist, stale bool) (Outcome, error) {
	payloads, err := h.Handle(ctx, cmd, prior)
	if err != nil {
		if reason, ok := handler.AsRejection(err); ok {
			// A commutative command that no longer holds against newer
			// history is a conflict, not a business refusal.
			if stale {
				return Conflicted(sequence.ConflictReason, &prior), nil
			}
			return Refused(reason, cmd), nil
		}
		return Outcome{}, fmt.Errorf("handle %s: %w", cmd.Cover.Key(), err)
	}
	result := book.EventBook{
		Cover: cmd.Cover,
		Pages: sequence.Assign(prior.NextSequence(), payloads, l.now()),
	}
	if !persist || len(result.Pages) == 0 {
		return Succeeded(result), nil
	}

	if err := l.events.Add(ctx, cmd.Cover, result.Pages); err != nil {
		if errors.Is(err, storage.ErrSequenceConflict) {
			return Outcome{}, errLostRace
		}
		return Outcome{}, fmt.Errorf("append events %s (attempt %d): %w", cmd.Cover.Key(), attempt, err)
	}
	l.snapshot(ctx, h, prior, result.Pages)
	if l.publisher != nil {
		l.publisher.Publish(ctx, result)
	}
	return Succeeded(result), nil
}

// mergeMode reports whether every page may be re-validated after losing a
// race (auto-assigned or commutative) and whether any page is explicitly
// commutative.
func mergeMode(pages []book.CommandPage) (mergeable, commutative bool) {
	mergeable = true
	for _, page := range pages {
		switch {
		case page.AutoSequence:
		case page.MergeStrategy.Commutative():
			commutative = true
		default:
			mergeable = false
		}
	}
	return mergeable, commutative
}

// snapshot writes a snapshot when the appended pages cross an interval
// boundary. Failures are logged; the events are already durable.
func (l *Local) snapshot(ctx context.Context, h handler.Handler, prior book.EventBook, pages []book.EventPage) {
	if l.snapshots == nil || l.snapshotEvery == 0 {
		return
	}
	snapshotter, ok := h.(handler.Snapshotter)
	if !ok {
		return
	}
	before := prior.NextSequence() / l.snapshotEvery
	last := pages[len(pages)-1].Sequence
	if (last+1)/l.snapshotEvery == before {
		return
	}

	history := prior
	history.Pages = append(append([]book.EventPage(nil), prior.Pages...), pages...)
	payload, retention, err := snapshotter.Snapshot(ctx, history)
	if err != nil {
		l.logf("snapshot %s at %d: %v", prior.Cover.Key(), last, err)
		return
	}
	if retention == "" {
		retention = book.RetentionTransient
	}
	if err := l.snapshots.Put(ctx, prior.Cover.Key(), book.Snapshot{
		Sequence:  last,
		Payload:   payload,
		Retention: retention,
		CreatedAt: l.now(),
	}); err != nil {
		l.logf("put snapshot %s at %d: %v", prior.Cover.Key(), last, err)
	}
}

func startSpan(ctx context.Context, name string, cmd book.CommandBook) (context.Context, trace.Span) {
	return otel.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("evented.domain", cmd.Cover.Domain),
		attribute.String("evented.root", cmd.Cover.Root.String()),
		attribute.String("evented.correlation_id", cmd.Cover.CorrelationID),
		attribute.Int("evented.pages", len(cmd.Pages)),
	))
}

func endSpan(span trace.Span, outcome Outcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.String("evented.outcome", outcome.Kind.String()))
	if outcome.Reason != "" {
		span.SetAttributes(attribute.String("evented.reason", outcome.Reason))
	}
}

var (
	_ Executor  = (*Local)(nil)
	_ DryRunner = (*Local)(nil)
)
