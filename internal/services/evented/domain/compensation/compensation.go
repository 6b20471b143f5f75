// Package compensation escalates permanently rejected saga commands: an audit
// event in a fallback domain, a dead letter, and a webhook. Each step is
// optional and isolated from the others.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
)

// Letter is one dead-lettered rejection.
type Letter struct {
	Key          string                     `json:"key"`
	Notification book.RejectionNotification `json:"notification"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// DeadLetterSink stores letters for out-of-band operator handling.
type DeadLetterSink interface {
	Send(ctx context.Context, letter Letter) error
}

// Escalator notifies an external system. It is best effort: callers log
// failures and never retry.
type Escalator interface {
	Escalate(ctx context.Context, n book.RejectionNotification) error
}

// ClaimStore hands out each key once.
type ClaimStore interface {
	// Claim returns true the first time key is claimed and false afterwards.
	Claim(ctx context.Context, key string) (bool, error)
}

// Step names a pipeline step.
type Step string

const (
	StepFallback   Step = "fallback"
	StepDeadLetter Step = "dead_letter"
	StepEscalation Step = "escalation"
)

// StepResult records what happened to one step.
type StepResult struct {
	Step    Step
	Skipped bool
	Err     error
}

// Report summarizes one Compensate call.
type Report struct {
	Key string
	// Duplicate is set when the rejection was already compensated; no step
	// ran.
	Duplicate bool
	Steps     []StepResult
}

// Failed returns the steps that ran and failed.
func (r Report) Failed() []StepResult {
	var failed []StepResult
	for _, step := range r.Steps {
		if step.Err != nil {
			failed = append(failed, step)
		}
	}
	return failed
}

// Ran reports whether step ran, successfully or not.
func (r Report) Ran(step Step) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return !s.Skipped
		}
	}
	return false
}

// Config toggles the pipeline steps.
type Config struct {
	// FallbackDomain receives CompensationFailed commands. Empty disables
	// the step.
	FallbackDomain string
	Fallback       bool
	DeadLetter     bool
	Escalation     bool
}

// DefaultConfig enables only the fallback audit event.
func DefaultConfig(fallbackDomain string) Config {
	return Config{FallbackDomain: fallbackDomain, Fallback: true}
}

// Pipeline runs the compensation steps for rejected saga commands.
type Pipeline struct {
	cfg        Config
	fallback   executor.Executor
	deadLetter DeadLetterSink
	escalator  Escalator
	claims     ClaimStore
	now        func() time.Time
	logf       func(string, ...any)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFallbackExecutor sets the executor that reaches the fallback domain.
func WithFallbackExecutor(exec executor.Executor) Option {
	return func(p *Pipeline) { p.fallback = exec }
}

// WithDeadLetter sets the dead-letter sink.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(p *Pipeline) { p.deadLetter = sink }
}

// WithEscalator sets the webhook escalator.
func WithEscalator(e Escalator) Option {
	return func(p *Pipeline) { p.escalator = e }
}

// WithClaims replaces the in-memory claim store.
func WithClaims(claims ClaimStore) Option {
	return func(p *Pipeline) { p.claims = claims }
}

// WithClock overrides the letter timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger overrides log.Printf.
func WithLogger(logf func(string, ...any)) Option {
	return func(p *Pipeline) {
		if logf != nil {
			p.logf = logf
		}
	}
}

// NewPipeline builds a pipeline. Enabled steps must have their collaborator.
func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    cfg,
		claims: NewMemoryClaims(),
		now:    func() time.Time { return time.Now().UTC() },
		logf:   log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.claims == nil {
		p.claims = NewMemoryClaims()
	}
	if cfg.Fallback && cfg.FallbackDomain != "" && p.fallback == nil {
		return nil, errors.New("fallback executor is required when the fallback step is enabled")
	}
	if cfg.DeadLetter && p.deadLetter == nil {
		return nil, errors.New("dead-letter sink is required when the dead-letter step is enabled")
	}
	if cfg.Escalation && p.escalator == nil {
		return nil, errors.New("escalator is required when the escalation step is enabled")
	}
	return p, nil
}

// Compensate runs every enabled step once per distinct rejection. Step
// failures are logged and reported, never returned.
func (p *Pipeline) Compensate(ctx context.Context, n book.RejectionNotification) Report {
	report := Report{Key: n.Key()}

	claimed, err := p.claims.Claim(ctx, report.Key)
	switch {
	case err != nil:
		// Losing the audit trail is worse than a rare duplicate.
		p.logf("claim compensation %s: %v", report.Key, err)
	case !claimed:
		report.Duplicate = true
		return report
	}

	report.Steps = append(report.Steps,
		p.run(ctx, StepFallback, p.cfg.Fallback && p.cfg.FallbackDomain != "", n, p.emitFallback),
		p.run(ctx, StepDeadLetter, p.cfg.DeadLetter, n, p.sendDeadLetter),
		p.run(ctx, StepEscalation, p.cfg.Escalation, n, p.escalate),
	)
	return report
}

func (p *Pipeline) run(ctx context.Context, step Step, enabled bool, n book.RejectionNotification, fn func(context.Context, book.RejectionNotification) error) (result StepResult) {
	result.Step = step
	if !enabled {
		result.Skipped = true
		return result
	}
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic: %v", r)
			p.logf("compensation %s for saga %s: %v", step, n.SagaName, result.Err)
		}
	}()
	if err := fn(ctx, n); err != nil {
		result.Err = apperrors.Wrap(apperrors.CodeCompensationStep, fmt.Sprintf("%s step failed", step), err)
		p.logf("compensation %s for saga %s (%s): %v", step, n.SagaName, n.Reason, err)
	}
	return result
}

func (p *Pipeline) emitFallback(ctx context.Context, n book.RejectionNotification) error {
	cmd, err := FallbackCommand(p.cfg.FallbackDomain, n)
	if err != nil {
		return err
	}
	outcome, err := p.fallback.Execute(ctx, cmd)
	if err != nil {
		return fmt.Errorf("execute fallback command: %w", err)
	}
	if outcome.Kind != executor.Success {
		return fmt.Errorf("fallback command %s: %s", outcome.Kind, outcome.Reason)
	}
	return nil
}

func (p *Pipeline) sendDeadLetter(ctx context.Context, n book.RejectionNotification) error {
	return p.deadLetter.Send(ctx, Letter{Key: n.Key(), Notification: n, CreatedAt: p.now()})
}

func (p *Pipeline) escalate(ctx context.Context, n book.RejectionNotification) error {
	return p.escalator.Escalate(ctx, n)
}

// fallbackNamespace scopes the fallback aggregate roots.
var fallbackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/louisbranch/evented/compensation"))

// FallbackRoot is the aggregate that records compensation failures of saga.
func FallbackRoot(sagaName string) uuid.UUID {
	return uuid.NewSHA1(fallbackNamespace, []byte(sagaName))
}

// FallbackCommand builds the auto-sequenced CompensationFailed command for n.
func FallbackCommand(domain string, n book.RejectionNotification) (book.CommandBook, error) {
	value, err := json.Marshal(n)
	if err != nil {
		return book.CommandBook{}, fmt.Errorf("encode rejection notification: %w", err)
	}
	return book.CommandBook{
		Cover: book.Cover{
			Domain:        domain,
			Root:          FallbackRoot(n.SagaName),
			CorrelationID: n.CorrelationID,
		},
		Pages: []book.CommandPage{{
			AutoSequence: true,
			Payload:      book.Payload{TypeURL: CompensationFailedCommand, Value: value},
		}},
	}, nil
}
