package saga

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/evented/internal/platform/otel"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
	"github.com/louisbranch/evented/internal/services/evented/domain/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Compensator receives permanently rejected saga commands.
type Compensator interface {
	Compensate(ctx context.Context, n book.RejectionNotification) compensation.Report
}

// Result summarizes a saga run.
type Result struct {
	// State is Done, or Compensating when a command was rejected.
	State       State
	Transitions []State
	// Retries is the number of retry rounds that ran.
	Retries    int
	Succeeded  []executor.Outcome
	Rejections []book.RejectionNotification
	Reports    []compensation.Report
}

// Runner drives sagas through prepare, fetch, execute and dispatch.
type Runner struct {
	executor       executor.Executor
	fetcher        fetch.Fetcher
	policy         retry.Policy
	compensator    Compensator
	attemptTimeout time.Duration
	now            func() time.Time
	logf           func(string, ...any)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPolicy overrides the conflict retry policy (default retry.Fast).
func WithPolicy(p retry.Policy) RunnerOption {
	return func(r *Runner) { r.policy = p }
}

// WithCompensator hands rejected commands to c.
func WithCompensator(c Compensator) RunnerOption {
	return func(r *Runner) { r.compensator = c }
}

// WithAttemptTimeout bounds each dispatched command.
func WithAttemptTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.attemptTimeout = d }
}

// WithClock overrides the notification timestamp source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger overrides log.Printf.
func WithLogger(logf func(string, ...any)) RunnerOption {
	return func(r *Runner) {
		if logf != nil {
			r.logf = logf
		}
	}
}

// NewRunner builds a runner.
func NewRunner(exec executor.Executor, fetcher fetch.Fetcher, opts ...RunnerOption) (*Runner, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	r := &Runner{
		executor: exec,
		fetcher:  fetcher,
		policy:   retry.Fast(),
		now:      func() time.Time { return time.Now().UTC() },
		logf:     log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run executes s for source. It returns *ExhaustedError when conflicts
// outlast the retry policy, and the joined transport errors of commands that
// could not be delivered; rejected commands are compensated, not returned.
func (r *Runner) Run(ctx context.Context, s Saga, source book.EventBook) (Result, error) {
	if s == nil {
		return Result{}, errors.New("saga is required")
	}
	ctx, span := otel.Tracer().Start(ctx, "saga.Run", trace.WithAttributes(
		attribute.String("evented.saga", s.Name()),
		attribute.String("evented.domain", source.Cover.Domain),
		attribute.String("evented.correlation_id", source.Cover.CorrelationID),
	))
	defer span.End()

	rc := newRetryContext(s, source)
	result, err := r.run(ctx, rc)
	result.Transitions = rc.Transitions()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("evented.retries", result.Retries))
	return result, err
}

func (r *Runner) run(ctx context.Context, rc *RetryContext) (Result, error) {
	var result Result
	name := rc.saga.Name()

	covers, err := rc.saga.Prepare(ctx, rc.source)
	if err != nil {
		return result, fmt.Errorf("prepare saga %s: %w", name, err)
	}
	rc.covers = covers

	rc.enter(Fetching)
	rc.dests = make([]book.EventBook, len(covers))
	for i, cover := range covers {
		rc.dests[i] = r.fetch(ctx, cover)
	}

	var (
		transportErrs []error
		retryKeys     map[book.Key]bool
		// applied holds the commands that already succeeded, per aggregate,
		// so retry rounds never send them twice.
		applied = make(map[book.Key][]book.CommandBook)
	)
	for {
		rc.enter(Executing)
		cmds, err := rc.saga.Execute(ctx, rc.source, rc.destinations())
		if err != nil {
			return result, fmt.Errorf("execute saga %s: %w", name, err)
		}
		cmds = r.stamp(rc, cmds, retryKeys, applied)

		rc.enter(Dispatching)
		round := r.dispatch(ctx, cmds)

		conflicts := make(map[book.Key]*book.EventBook)
		var lastReason string
		var rejected []book.RejectionNotification
		for i, res := range round {
			key := cmds[i].Cover.Key()
			switch {
			case res.blocked:
				if _, conflicted := conflicts[key]; !conflicted {
					r.logf("saga %s: command for %s not dispatched after an earlier command for it failed", name, key)
				}
			case res.err != nil:
				transportErrs = append(transportErrs, fmt.Errorf("dispatch %s: %w", cmds[i].Cover.Key(), res.err))
			case res.outcome.Kind == executor.Success:
				result.Succeeded = append(result.Succeeded, res.outcome)
				applied[key] = append(applied[key], cmds[i])
			case res.outcome.Kind == executor.Retryable:
				conflicts[key] = res.outcome.Current
				lastReason = res.outcome.Reason
			case res.outcome.Kind == executor.Rejected:
				rejected = append(rejected, r.notification(rc, cmds[i], res.outcome))
			}
		}

		if len(rejected) > 0 {
			rc.enter(Compensating)
			for _, n := range rejected {
				result.Rejections = append(result.Rejections, n)
				if r.compensator == nil {
					r.logf("saga %s: rejected command for %s not compensated: %s", name, n.Command.Cover.Key(), n.Reason)
					continue
				}
				result.Reports = append(result.Reports, r.compensator.Compensate(ctx, n))
			}
		}

		if len(conflicts) == 0 {
			break
		}

		rc.enter(Retrying)
		delay, ok := r.policy.NextDelay(rc.Attempt())
		if !ok {
			exhausted := &ExhaustedError{Saga: name, Attempts: rc.Attempt(), Reason: lastReason}
			for key := range conflicts {
				exhausted.Covers = append(exhausted.Covers, book.Cover{Domain: key.Domain, Edition: key.Edition, Root: key.Root})
			}
			return result, errors.Join(append([]error{exhausted}, transportErrs...)...)
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return result, errors.Join(append([]error{err}, transportErrs...)...)
		}
		rc.mu.Lock()
		rc.attempt++
		rc.mu.Unlock()
		result.Retries++

		rc.enter(Fetching)
		r.refresh(ctx, rc, conflicts)
		retryKeys = make(map[book.Key]bool, len(conflicts))
		for key := range conflicts {
			retryKeys[key] = true
		}
	}

	result.State = Done
	if len(result.Rejections) > 0 {
		result.State = Compensating
	}
	rc.enter(result.State)
	return result, errors.Join(transportErrs...)
}

// fetch resolves a destination; unknown or unreachable aggregates read as
// empty history under the declared cover.
func (r *Runner) fetch(ctx context.Context, cover book.Cover) book.EventBook {
	if r.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
	}
	if fetched := r.fetcher.Fetch(ctx, cover); fetched != nil {
		fresh := *fetched
		fresh.Cover = cover
		return fresh
	}
	return book.EventBook{Cover: cover}
}

// refresh re-reads only the conflicted destinations, preferring the state
// carried by the conflict outcome.
func (r *Runner) refresh(ctx context.Context, rc *RetryContext, conflicts map[book.Key]*book.EventBook) {
	declared := make(map[book.Key]bool, len(rc.covers))
	for _, cover := range rc.covers {
		declared[cover.Key()] = true
	}
	for key := range conflicts {
		if !declared[key] {
			r.logf("saga %s: conflicted aggregate %s was not declared by Prepare; its retry sees stale state", rc.saga.Name(), key)
		}
	}
	for i, cover := range rc.covers {
		current, conflicted := conflicts[cover.Key()]
		if !conflicted {
			continue
		}
		if current != nil {
			fresh := *current
			fresh.Cover = cover
			rc.dests[i] = fresh
			continue
		}
		rc.dests[i] = r.fetch(ctx, cover)
	}
}

// stamp fills provenance and correlation. On retries it keeps only the
// commands aimed at conflicted aggregates and drops those that already
// succeeded; the commands left behind them are renumbered from the fresh
// destination state.
func (r *Runner) stamp(rc *RetryContext, cmds []book.CommandBook, only map[book.Key]bool, applied map[book.Key][]book.CommandBook) []book.CommandBook {
	used := make(map[book.Key][]bool)
	rebased := make(map[book.Key]bool)
	out := make([]book.CommandBook, 0, len(cmds))
	for _, cmd := range cmds {
		key := cmd.Cover.Key()
		if only != nil {
			if !only[key] {
				continue
			}
			if consume(applied[key], used, key, cmd) {
				rebased[key] = true
				continue
			}
		}
		if cmd.Cover.CorrelationID == "" {
			cmd.Cover.CorrelationID = rc.source.Cover.CorrelationID
		}
		if cmd.SagaOrigin == nil {
			cmd.SagaOrigin = rc.origin()
		}
		out = append(out, cmd)
	}
	for key := range rebased {
		if dest, ok := rc.destination(key); ok {
			rebase(out, key, dest.NextSequence())
		}
	}
	return out
}

// consume marks the first unused applied command with the same pages as cmd.
func consume(applied []book.CommandBook, used map[book.Key][]bool, key book.Key, cmd book.CommandBook) bool {
	if len(applied) == 0 {
		return false
	}
	if used[key] == nil {
		used[key] = make([]bool, len(applied))
	}
	for i, prior := range applied {
		if !used[key][i] && samePayloads(prior.Pages, cmd.Pages) {
			used[key][i] = true
			return true
		}
	}
	return false
}

func samePayloads(a, b []book.CommandPage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Payload.TypeURL != b[i].Payload.TypeURL || !bytes.Equal(a[i].Payload.Value, b[i].Payload.Value) {
			return false
		}
	}
	return true
}

// rebase shifts the explicit sequences of key's commands so the first one
// lands on next, keeping their relative order.
func rebase(cmds []book.CommandBook, key book.Key, next uint64) {
	var (
		first uint64
		found bool
	)
	for i := range cmds {
		if cmds[i].Cover.Key() != key {
			continue
		}
		pages := append([]book.CommandPage(nil), cmds[i].Pages...)
		for j := range pages {
			if pages[j].AutoSequence {
				continue
			}
			if !found {
				first, found = pages[j].Sequence, true
			}
			pages[j].Sequence = pages[j].Sequence - first + next
		}
		cmds[i].Pages = pages
	}
}

type dispatchResult struct {
	outcome executor.Outcome
	err     error
	// blocked is set when an earlier command for the same aggregate did not
	// succeed, so this one was never sent.
	blocked bool
}

// dispatch submits commands for different aggregates concurrently; siblings
// never wait on or cancel each other. Commands for the same aggregate go one
// after another in saga order, and stop at the first that does not succeed.
func (r *Runner) dispatch(ctx context.Context, cmds []book.CommandBook) []dispatchResult {
	results := make([]dispatchResult, len(cmds))
	var (
		order  []book.Key
		groups = make(map[book.Key][]int)
	)
	for i, cmd := range cmds {
		key := cmd.Cover.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for n, i := range indexes {
				results[i] = r.send(ctx, cmds[i])
				if results[i].err != nil || results[i].outcome.Kind != executor.Success {
					for _, rest := range indexes[n+1:] {
						results[rest] = dispatchResult{blocked: true}
					}
					return
				}
			}
		}(groups[key])
	}
	wg.Wait()
	return results
}

func (r *Runner) send(ctx context.Context, cmd book.CommandBook) dispatchResult {
	if r.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
	}
	outcome, err := r.executor.Execute(ctx, cmd)
	return dispatchResult{outcome: outcome, err: err}
}

func (r *Runner) notification(rc *RetryContext, cmd book.CommandBook, outcome executor.Outcome) book.RejectionNotification {
	rejected := cmd
	if outcome.Command != nil {
		rejected = *outcome.Command
	}
	if rejected.SagaOrigin == nil {
		rejected.SagaOrigin = cmd.SagaOrigin
	}
	return book.RejectionNotification{
		Command:       rejected,
		Reason:        outcome.Reason,
		SagaName:      rc.saga.Name(),
		CorrelationID: cmd.Cover.CorrelationID,
		SourceCover:   rc.source.Cover,
		IssuedAt:      r.now(),
	}
}
