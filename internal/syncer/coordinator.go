// Package syncer owns the offline queue and drains it when the backend is
// reachable.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"rentsync/internal/domain"
	"rentsync/internal/notify"
	"rentsync/internal/processor"
	"rentsync/internal/queue"
)

const DefaultMaxRetries = 3

// ErrRejected is returned by Submit when the backend refuses an action for good.
var ErrRejected = errors.New("action rejected")

// Processor applies a single action; *processor.Processor satisfies it.
type Processor interface {
	Process(ctx context.Context, qa domain.QueuedAction) processor.Result
}

// Connectivity is the read side of the connectivity monitor.
type Connectivity interface {
	IsOnline() bool
}

type Options struct {
	MaxRetries int
	Journal    queue.Journal
	Notifier   notify.Notifier
	Now        func() time.Time
}

// Summary describes one drain cycle.
type Summary struct {
	Synced    int           `json:"synced"`
	Retrying  int           `json:"retrying"`
	Abandoned int           `json:"abandoned"`
	Duration  time.Duration `json:"duration"`
}

// Status is the observable state for status displays.
type Status struct {
	QueueLength int        `json:"queueLength"`
	IsSyncing   bool       `json:"isSyncing"`
	IsOnline    bool       `json:"isOnline"`
	LastSync    *time.Time `json:"lastSync,omitempty"`
	Synced      int64      `json:"totalSynced"`
	Abandoned   int64      `json:"totalAbandoned"`
}

// SubmitOutcome says what happened to a submitted mutation.
type SubmitOutcome string

const (
	OutcomeApplied SubmitOutcome = "applied"
	OutcomeQueued  SubmitOutcome = "queued"
)

type SubmitResult struct {
	Outcome SubmitOutcome        `json:"outcome"`
	Action  *domain.QueuedAction `json:"action,omitempty"`
}

// Coordinator is the single writer of the queue. Every change is mirrored to
// the store before the call returns.
type Coordinator struct {
	store      *queue.Store
	proc       Processor
	conn       Connectivity
	journal    queue.Journal
	notifier   notify.Notifier
	maxRetries int
	now        func() time.Time

	mu      sync.Mutex
	actions []domain.QueuedAction

	cycle          *semaphore.Weighted
	syncing        atomic.Bool
	enqueuedDuring atomic.Bool
	wake           chan struct{}

	lastSync       atomic.Pointer[time.Time]
	totalSynced    atomic.Int64
	totalAbandoned atomic.Int64
}

// New loads any persisted queue from store.
func New(ctx context.Context, store *queue.Store, proc Processor, conn Connectivity, opts Options) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogSink{}
	}
	c := &Coordinator{
		store:      store,
		proc:       proc,
		conn:       conn,
		journal:    opts.Journal,
		notifier:   opts.Notifier,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		actions:    store.Load(ctx),
		cycle:      semaphore.NewWeighted(1),
		wake:       make(chan struct{}, 1),
	}
	if n := len(c.actions); n > 0 {
		log.Info().Int("queued", n).Msg("restored offline queue")
	}
	return c
}

// Wake fires whenever a new action is queued.
func (c *Coordinator) Wake() <-chan struct{} { return c.wake }

// AddToQueue captures a for later delivery.
func (c *Coordinator) AddToQueue(ctx context.Context, a domain.Action) (domain.QueuedAction, error) {
	if err := a.Validate(); err != nil {
		return domain.QueuedAction{}, err
	}
	qa, err := domain.NewQueuedAction(a, c.now())
	if err != nil {
		return domain.QueuedAction{}, fmt.Errorf("encode action: %w", err)
	}
	c.enqueue(ctx, qa)
	return qa, nil
}

// enqueue appends an already built action, keeping its id so a replay
// carries the same idempotency key as any earlier attempt.
func (c *Coordinator) enqueue(ctx context.Context, qa domain.QueuedAction) {
	c.mu.Lock()
	c.actions = append(c.actions, qa)
	c.persistLocked(ctx)
	n := len(c.actions)
	c.mu.Unlock()

	if c.syncing.Load() {
		c.enqueuedDuring.Store(true)
	}
	log.Info().Str("action_id", qa.ID).Str("kind", string(qa.Type)).Int("queued", n).Msg("action queued")
	c.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelInfo,
		Title:    "Saved offline",
		Message:  "Saved offline, will sync when the connection is back.",
		ActionID: qa.ID,
		Kind:     string(qa.Type),
	})
	c.signal()
}

// Submit applies a immediately when online, falling back to the queue on a
// transient failure. deferred forces queueing.
func (c *Coordinator) Submit(ctx context.Context, a domain.Action, deferred bool) (SubmitResult, error) {
	if err := a.Validate(); err != nil {
		return SubmitResult{}, err
	}
	qa, err := domain.NewQueuedAction(a, c.now())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode action: %w", err)
	}
	if !deferred && c.conn.IsOnline() {
		res := c.proc.Process(ctx, qa)
		c.record(ctx, qa, 1, res)
		switch {
		case res.OK():
			return SubmitResult{Outcome: OutcomeApplied, Action: &qa}, nil
		case res.Permanent:
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrRejected, res.Err)
		}
		log.Warn().Err(res.Err).Str("action_id", qa.ID).Str("kind", string(a.Kind())).Msg("direct apply failed, queueing")
	}
	c.enqueue(ctx, qa)
	return SubmitResult{Outcome: OutcomeQueued, Action: &qa}, nil
}

// TrySync starts a cycle only when there is work and the backend is reachable.
func (c *Coordinator) TrySync(ctx context.Context) (Summary, bool) {
	if c.Len() == 0 || !c.conn.IsOnline() {
		return Summary{}, false
	}
	return c.SyncQueue(ctx)
}

// SyncQueue drains a snapshot of the queue. It returns false without doing
// anything when another cycle is already running.
func (c *Coordinator) SyncQueue(ctx context.Context) (Summary, bool) {
	if !c.cycle.TryAcquire(1) {
		return Summary{}, false
	}
	c.syncing.Store(true)
	c.enqueuedDuring.Store(false)
	defer func() {
		// release before checking so the re-signalled cycle can start
		c.syncing.Store(false)
		c.cycle.Release(1)
		if c.enqueuedDuring.Swap(false) {
			c.signal()
		}
	}()

	start := c.now()
	var sum Summary
	for _, qa := range c.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		res := c.proc.Process(ctx, qa)
		if !res.OK() && ctx.Err() != nil {
			// interrupted, not failed: leave the action as it was
			log.Info().Str("action_id", qa.ID).Msg("sync cycle interrupted")
			break
		}
		c.record(ctx, qa, qa.RetryCount+1, res)

		switch {
		case res.OK():
			c.remove(ctx, qa.ID)
			sum.Synced++
			log.Info().Str("action_id", qa.ID).Str("kind", string(qa.Type)).Msg("action synced")
		case res.Permanent || qa.RetryCount+1 >= c.maxRetries:
			c.remove(ctx, qa.ID)
			sum.Abandoned++
			c.abandoned(ctx, qa, res.Err)
		default:
			c.setRetryCount(ctx, qa.ID, qa.RetryCount+1)
			sum.Retrying++
			log.Warn().Err(res.Err).Str("action_id", qa.ID).Str("kind", string(qa.Type)).
				Int("retry_count", qa.RetryCount+1).Int("max_retries", c.maxRetries).Msg("action failed, will retry")
		}
	}
	sum.Duration = c.now().Sub(start)

	end := c.now()
	c.lastSync.Store(&end)
	c.totalSynced.Add(int64(sum.Synced))
	c.totalAbandoned.Add(int64(sum.Abandoned))
	c.summarize(ctx, sum)
	return sum, true
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// Snapshot returns a copy of the queue in FIFO order.
func (c *Coordinator) Snapshot() []domain.QueuedAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.QueuedAction, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *Coordinator) Status() Status {
	return Status{
		QueueLength: c.Len(),
		IsSyncing:   c.syncing.Load(),
		IsOnline:    c.conn.IsOnline(),
		LastSync:    c.lastSync.Load(),
		Synced:      c.totalSynced.Load(),
		Abandoned:   c.totalAbandoned.Load(),
	}
}

func (c *Coordinator) remove(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.actions {
		if c.actions[i].ID == id {
			c.actions = append(c.actions[:i:i], c.actions[i+1:]...)
			c.persistLocked(ctx)
			return
		}
	}
}

func (c *Coordinator) setRetryCount(ctx context.Context, id string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.actions {
		if c.actions[i].ID == id {
			c.actions[i].RetryCount = n
			c.persistLocked(ctx)
			return
		}
	}
}

// persistLocked mirrors the queue to storage. A failed write leaves the
// in-memory queue authoritative for this session.
func (c *Coordinator) persistLocked(ctx context.Context) {
	if err := c.store.Save(context.WithoutCancel(ctx), c.actions); err != nil {
		log.Warn().Err(err).Int("queued", len(c.actions)).Msg("offline queue not persisted")
	}
}

func (c *Coordinator) record(ctx context.Context, qa domain.QueuedAction, attempt int, res processor.Result) {
	if c.journal == nil {
		return
	}
	a := queue.Attempt{
		ActionID:   qa.ID,
		Kind:       string(qa.Type),
		Attempt:    attempt,
		Success:    res.OK(),
		Permanent:  res.Permanent,
		FinishedAt: c.now().UTC(),
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), a); err != nil {
		log.Debug().Err(err).Str("action_id", qa.ID).Msg("journal attempt")
	}
}

func (c *Coordinator) abandoned(ctx context.Context, qa domain.QueuedAction, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	log.Error().Str("action_id", qa.ID).Str("kind", string(qa.Type)).Int("retry_count", qa.RetryCount).
		Str("error", msg).Msg("action abandoned")
	c.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelError,
		Title:    "Sync failed",
		Message:  fmt.Sprintf("Could not sync %s after %d attempt(s): %s. Please redo it.", qa.Type, qa.RetryCount+1, msg),
		ActionID: qa.ID,
		Kind:     string(qa.Type),
	})
}

func (c *Coordinator) summarize(ctx context.Context, s Summary) {
	log.Info().Int("synced", s.Synced).Int("retrying", s.Retrying).Int("abandoned", s.Abandoned).
		Dur("took", s.Duration).Msg("sync cycle finished")
	if s.Synced > 0 {
		c.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelSuccess,
			Title:   "Synced",
			Message: fmt.Sprintf("Synced %d offline action(s).", s.Synced),
		})
	}
	if s.Retrying > 0 {
		c.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelWarning,
			Title:   "Will retry",
			Message: fmt.Sprintf("%d action(s) failed and will be retried.", s.Retrying),
		})
	}
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
