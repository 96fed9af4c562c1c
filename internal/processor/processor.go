// Package processor applies a single queued action to the remote backend.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"rentsync/internal/domain"
)

const DefaultTimeout = 30 * time.Second

// Backend performs the remote mutation for each action kind. ref is the
// queued action ID and doubles as the idempotency key on the remote side.
type Backend interface {
	RecordPayment(ctx context.Context, ref string, p domain.RecordPayment) error
	UpdatePayment(ctx context.Context, ref string, p domain.UpdatePayment) error
	CreateTenant(ctx context.Context, ref string, p domain.CreateTenant) error
	UpdateTenant(ctx context.Context, ref string, p domain.UpdateTenant) error
	RequestWithdrawal(ctx context.Context, ref string, p domain.RequestWithdrawal) error
}

// Result of one processing attempt. A nil Err is success.
type Result struct {
	Err       error
	Permanent bool
}

func (r Result) OK() bool { return r.Err == nil }

type Processor struct {
	backend Backend
	timeout time.Duration
}

func New(backend Backend, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Processor{backend: backend, timeout: timeout}
}

// Process runs the action once. It never panics; every failure comes back
// in the Result.
func (p *Processor) Process(ctx context.Context, qa domain.QueuedAction) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("action_id", qa.ID).Str("kind", string(qa.Type)).Msg("action handler panicked")
			res = Result{Err: fmt.Errorf("handler panic: %v", rec)}
		}
	}()

	a, err := qa.Decode()
	if err != nil {
		return Result{Err: err, Permanent: true}
	}

	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.Apply(c, qa.ID, a); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("action timed out after %s: %w", p.timeout, err)
		}
		return Result{Err: err, Permanent: domain.IsPermanent(err)}
	}
	return Result{}
}

// Apply dispatches a typed action to the backend.
func (p *Processor) Apply(ctx context.Context, ref string, a domain.Action) error {
	switch v := a.(type) {
	case domain.RecordPayment:
		return p.backend.RecordPayment(ctx, ref, v)
	case domain.UpdatePayment:
		return p.backend.UpdatePayment(ctx, ref, v)
	case domain.CreateTenant:
		return p.backend.CreateTenant(ctx, ref, v)
	case domain.UpdateTenant:
		return p.backend.UpdateTenant(ctx, ref, v)
	case domain.RequestWithdrawal:
		return p.backend.RequestWithdrawal(ctx, ref, v)
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownKind, a)
	}
}
