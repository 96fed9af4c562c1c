package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rentsync/internal/connectivity"
	"rentsync/internal/domain"
	"rentsync/internal/notify"
	"rentsync/internal/processor"
	"rentsync/internal/queue"
)

// fakeProc records every processed action and answers with fn.
type fakeProc struct {
	mu    sync.Mutex
	calls []domain.QueuedAction
	fn    func(qa domain.QueuedAction) processor.Result
}

func (p *fakeProc) Process(_ context.Context, qa domain.QueuedAction) processor.Result {
	p.mu.Lock()
	p.calls = append(p.calls, qa)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return processor.Result{}
	}
	return fn(qa)
}

func (p *fakeProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProc) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ids(p.calls)
}

type memJournal struct {
	mu       sync.Mutex
	attempts []queue.Attempt
}

func (j *memJournal) Record(_ context.Context, a queue.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return nil
}

func (j *memJournal) Recent(context.Context, int) ([]queue.Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]queue.Attempt(nil), j.attempts...), nil
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingKV) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (failingKV) Delete(context.Context, string) error        { return errors.New("disk gone") }

type harness struct {
	kv      *queue.MemoryKV
	proc    *fakeProc
	monitor *connectivity.Monitor
	feed    *notify.Feed
	journal *memJournal
	coord   *Coordinator
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		kv:      queue.NewMemoryKV(),
		proc:    &fakeProc{},
		monitor: connectivity.NewMonitor(nil, online, connectivity.Options{}),
		feed:    notify.NewFeed(50),
		journal: &memJournal{},
	}
	h.coord = h.reopen(t)
	return h
}

// reopen builds a fresh coordinator over the same storage, as after a restart.
func (h *harness) reopen(t *testing.T) *Coordinator {
	t.Helper()
	return New(context.Background(), queue.NewStore(h.kv, ""), h.proc, h.monitor, Options{
		Journal:  h.journal,
		Notifier: h.feed,
	})
}

func payment(tenant string) domain.RecordPayment {
	return domain.RecordPayment{TenantID: tenant, AgentID: "agent-1", AmountCents: 50000, PaidOn: "2026-10-17"}
}

func enqueue(t *testing.T, c *Coordinator, tenants ...string) []string {
	t.Helper()
	var out []string
	for _, tenant := range tenants {
		qa, err := c.AddToQueue(context.Background(), payment(tenant))
		if err != nil {
			t.Fatalf("AddToQueue(%s): %v", tenant, err)
		}
		out = append(out, qa.ID)
	}
	return out
}

func ids(actions []domain.QueuedAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCoordinator_QueueSurvivesRestart(t *testing.T) {
	h := newHarness(t, false)
	want := enqueue(t, h.coord, "t1", "t2", "t3")

	restarted := h.reopen(t)
	if got := ids(restarted.Snapshot()); !equal(got, want) {
		t.Fatalf("restored queue = %v, want %v", got, want)
	}
	if h.proc.count() != 0 {
		t.Fatalf("processed %d actions while offline", h.proc.count())
	}
}

func TestAddToQueue_RejectsInvalidAction(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.coord.AddToQueue(context.Background(), domain.RecordPayment{TenantID: "t1"})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if h.coord.Len() != 0 {
		t.Fatal("invalid action was queued")
	}
}

func TestAddToQueue_NotifiesSavedOffline(t *testing.T) {
	h := newHarness(t, false)
	id := enqueue(t, h.coord, "t1")[0]
	got := h.feed.Recent(1)
	if len(got) != 1 || got[0].Level != notify.LevelInfo || got[0].ActionID != id {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestAddToQueue_StorageFailureKeepsActionInMemory(t *testing.T) {
	c := New(context.Background(), queue.NewStore(failingKV{}, ""), &fakeProc{},
		connectivity.NewMonitor(nil, false, connectivity.Options{}), Options{Notifier: notify.NewFeed(5)})
	if _, err := c.AddToQueue(context.Background(), payment("t1")); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestSyncQueue_ProcessesInFIFOOrder(t *testing.T) {
	h := newHarness(t, true)
	want := enqueue(t, h.coord, "t1", "t2", "t3")

	sum, ran := h.coord.SyncQueue(context.Background())
	if !ran {
		t.Fatal("SyncQueue did not run")
	}
	if sum.Synced != 3 || sum.Retrying != 0 || sum.Abandoned != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := h.proc.ids(); !equal(got, want) {
		t.Fatalf("processing order = %v, want %v", got, want)
	}
	if h.coord.Len() != 0 || h.kv.Has(queue.DefaultKey) {
		t.Fatal("queue not cleared after successful sync")
	}
	st := h.coord.Status()
	if st.LastSync == nil || st.Synced != 3 || st.IsSyncing {
		t.Fatalf("status = %+v", st)
	}
	if got := h.feed.Recent(1); got[0].Level != notify.LevelSuccess {
		t.Fatalf("last notification = %+v, want success", got[0])
	}

	// synced actions are gone for good
	if _, ran := h.coord.SyncQueue(context.Background()); !ran {
		t.Fatal("second SyncQueue did not run")
	}
	if h.proc.count() != 3 {
		t.Fatalf("processed %d after a second cycle, want 3", h.proc.count())
	}
}

func TestSyncQueue_ManualTriggerIgnoresConnectivity(t *testing.T) {
	h := newHarness(t, false)
	enqueue(t, h.coord, "t1")
	if _, ran := h.coord.SyncQueue(context.Background()); !ran {
		t.Fatal("SyncQueue did not run")
	}
	if h.proc.count() != 1 {
		t.Fatalf("processed %d, want 1", h.proc.count())
	}
}

func TestSyncQueue_SingleFlight(t *testing.T) {
	h := newHarness(t, true)
	enqueue(t, h.coord, "t1", "t2")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		once.Do(func() { close(started) })
		<-release
		return processor.Result{}
	}

	done := make(chan Summary)
	go func() {
		sum, _ := h.coord.SyncQueue(context.Background())
		done <- sum
	}()
	<-started

	if !h.coord.Status().IsSyncing {
		t.Fatal("IsSyncing = false during a cycle")
	}
	if _, ran := h.coord.SyncQueue(context.Background()); ran {
		t.Fatal("second SyncQueue ran while a cycle was in flight")
	}
	if _, ran := h.coord.TrySync(context.Background()); ran {
		t.Fatal("TrySync ran while a cycle was in flight")
	}
	close(release)

	if sum := <-done; sum.Synced != 2 {
		t.Fatalf("synced = %d, want 2", sum.Synced)
	}
	if h.proc.count() != 2 {
		t.Fatalf("processed %d, want each action once", h.proc.count())
	}
}

func TestSyncQueue_AbandonsAfterMaxRetries(t *testing.T) {
	h := newHarness(t, true)
	id := enqueue(t, h.coord, "t1")[0]
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: errors.New("503 service unavailable")}
	}

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		sum, _ := h.coord.SyncQueue(context.Background())
		if sum.Retrying != 1 {
			t.Fatalf("cycle %d summary = %+v, want one retrying", attempt, sum)
		}
		// retry counts are persisted, not just held in memory
		restored := h.reopen(t).Snapshot()
		if len(restored) != 1 || restored[0].RetryCount != attempt {
			t.Fatalf("cycle %d persisted queue = %+v", attempt, restored)
		}
	}

	sum, _ := h.coord.SyncQueue(context.Background())
	if sum.Abandoned != 1 || h.coord.Len() != 0 {
		t.Fatalf("final summary = %+v, len = %d", sum, h.coord.Len())
	}
	if h.proc.count() != DefaultMaxRetries {
		t.Fatalf("attempts = %d, want %d", h.proc.count(), DefaultMaxRetries)
	}
	if _, ran := h.coord.SyncQueue(context.Background()); !ran || h.proc.count() != DefaultMaxRetries {
		t.Fatal("abandoned action was processed again")
	}

	var failed *notify.Notification
	for _, n := range h.feed.Recent(0) {
		if n.Level == notify.LevelError {
			failed = &n
			break
		}
	}
	if failed == nil || failed.ActionID != id || !strings.Contains(failed.Message, string(domain.KindRecordPayment)) {
		t.Fatalf("failure notification = %+v", failed)
	}
	if st := h.coord.Status(); st.Abandoned != 1 {
		t.Fatalf("status abandoned = %d, want 1", st.Abandoned)
	}

	attempts, _ := h.journal.Recent(context.Background(), 0)
	if len(attempts) != DefaultMaxRetries || attempts[2].Attempt != 3 || attempts[2].Success {
		t.Fatalf("journal = %+v", attempts)
	}
}

func TestSyncQueue_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, true)
	enqueue(t, h.coord, "t1")
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: domain.ErrUnknownKind, Permanent: true}
	}
	sum, _ := h.coord.SyncQueue(context.Background())
	if sum.Abandoned != 1 || h.coord.Len() != 0 || h.proc.count() != 1 {
		t.Fatalf("summary = %+v, len = %d, calls = %d", sum, h.coord.Len(), h.proc.count())
	}
}

func TestSyncQueue_PartialFailureThenRecovery(t *testing.T) {
	h := newHarness(t, true)
	got := enqueue(t, h.coord, "t1", "t2")
	a, b := got[0], got[1]
	var healthy atomic.Bool
	h.proc.fn = func(qa domain.QueuedAction) processor.Result {
		if qa.ID == a && !healthy.Load() {
			return processor.Result{Err: errors.New("timeout")}
		}
		return processor.Result{}
	}

	sum, _ := h.coord.SyncQueue(context.Background())
	if sum.Synced != 1 || sum.Retrying != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	left := h.reopen(t).Snapshot()
	if len(left) != 1 || left[0].ID != a || left[0].RetryCount != 1 {
		t.Fatalf("persisted queue = %+v, want only %s with one retry (b=%s)", left, a, b)
	}

	healthy.Store(true)
	sum, _ = h.coord.SyncQueue(context.Background())
	if sum.Synced != 1 || sum.Retrying != 0 || h.coord.Len() != 0 {
		t.Fatalf("recovery summary = %+v, len = %d", sum, h.coord.Len())
	}
	if want := []string{a, b, a}; !equal(h.proc.ids(), want) {
		t.Fatalf("processing order = %v, want %v", h.proc.ids(), want)
	}
}

func TestSyncQueue_CancelledCycleKeepsRetryBudget(t *testing.T) {
	h := newHarness(t, true)
	enqueue(t, h.coord, "t1", "t2")
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: errors.New("503")}
	}
	for i := 1; i < DefaultMaxRetries; i++ {
		h.coord.SyncQueue(context.Background())
	}
	before := h.coord.Snapshot()
	if before[0].RetryCount != DefaultMaxRetries-1 {
		t.Fatalf("retry count = %d, want %d", before[0].RetryCount, DefaultMaxRetries-1)
	}
	calls := h.proc.count()

	ctx, cancel := context.WithCancel(context.Background())
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		cancel()
		return processor.Result{Err: context.Canceled}
	}
	sum, ran := h.coord.SyncQueue(ctx)
	if !ran || sum.Synced != 0 || sum.Retrying != 0 || sum.Abandoned != 0 {
		t.Fatalf("summary = %+v, ran = %v", sum, ran)
	}
	if h.proc.count() != calls+1 {
		t.Fatalf("processed %d after cancel, want %d", h.proc.count(), calls+1)
	}
	after := h.reopen(t).Snapshot()
	if !equal(ids(after), ids(before)) || after[0].RetryCount != before[0].RetryCount {
		t.Fatalf("persisted queue = %+v, want %+v", after, before)
	}
	for _, n := range h.feed.Recent(0) {
		if n.Level == notify.LevelError {
			t.Fatalf("unexpected failure notification %+v", n)
		}
	}
	attempts, _ := h.journal.Recent(context.Background(), 0)
	if len(attempts) != calls {
		t.Fatalf("journal has %d attempts, want %d", len(attempts), calls)
	}
}

func TestSyncQueue_EnqueueDuringCycleWakesAgain(t *testing.T) {
	h := newHarness(t, true)
	enqueue(t, h.coord, "t1")

	started := make(chan struct{})
	release := make(chan struct{})
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		close(started)
		<-release
		return processor.Result{}
	}
	done := make(chan struct{})
	go func() {
		h.coord.SyncQueue(context.Background())
		close(done)
	}()
	<-started

	// drain the enqueue wake-ups so only the end-of-cycle one remains
	for len(h.coord.Wake()) > 0 {
		<-h.coord.Wake()
	}
	late := enqueue(t, h.coord, "t2")[0]
	<-h.coord.Wake()

	close(release)
	<-done

	select {
	case <-h.coord.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake-up after a cycle that saw new actions")
	}
	if got := ids(h.coord.Snapshot()); !equal(got, []string{late}) {
		t.Fatalf("queue = %v, want the late action untouched", got)
	}
}

func TestTrySync_NeedsWorkAndConnectivity(t *testing.T) {
	h := newHarness(t, false)
	if _, ran := h.coord.TrySync(context.Background()); ran {
		t.Fatal("TrySync ran on an empty queue")
	}
	enqueue(t, h.coord, "t1")
	if _, ran := h.coord.TrySync(context.Background()); ran {
		t.Fatal("TrySync ran while offline")
	}
	h.monitor.Set(true, "test")
	if _, ran := h.coord.TrySync(context.Background()); !ran || h.coord.Len() != 0 {
		t.Fatal("TrySync did not drain once online")
	}
}

func TestRemove_UnknownIDIsNoop(t *testing.T) {
	h := newHarness(t, false)
	want := enqueue(t, h.coord, "t1", "t2")
	h.coord.remove(context.Background(), want[0])
	h.coord.remove(context.Background(), want[0])
	h.coord.remove(context.Background(), "act_missing")
	if got := ids(h.coord.Snapshot()); !equal(got, want[1:]) {
		t.Fatalf("queue = %v, want %v", got, want[1:])
	}
}

func TestSubmit(t *testing.T) {
	transient := func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: errors.New("connection reset")}
	}
	permanent := func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: domain.Permanent(errors.New("422")), Permanent: true}
	}
	cases := []struct {
		name     string
		online   bool
		deferred bool
		fn       func(domain.QueuedAction) processor.Result
		outcome  SubmitOutcome
		queued   int
		calls    int
		wantErr  error
	}{
		{"online applies", true, false, nil, OutcomeApplied, 0, 1, nil},
		{"online transient queues", true, false, transient, OutcomeQueued, 1, 1, nil},
		{"online permanent rejects", true, false, permanent, "", 0, 1, ErrRejected},
		{"offline queues", false, false, nil, OutcomeQueued, 1, 0, nil},
		{"deferred queues", true, true, nil, OutcomeQueued, 1, 0, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.online)
			h.proc.fn = tc.fn
			res, err := h.coord.Submit(context.Background(), payment("t1"), tc.deferred)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Outcome != tc.outcome {
				t.Fatalf("outcome = %q, want %q", res.Outcome, tc.outcome)
			}
			if h.coord.Len() != tc.queued {
				t.Fatalf("queued = %d, want %d", h.coord.Len(), tc.queued)
			}
			if h.proc.count() != tc.calls {
				t.Fatalf("calls = %d, want %d", h.proc.count(), tc.calls)
			}
		})
	}
}

func TestSubmit_TransientFailureQueuesSameID(t *testing.T) {
	h := newHarness(t, true)
	h.proc.fn = func(domain.QueuedAction) processor.Result {
		return processor.Result{Err: errors.New("read timeout after write")}
	}
	res, err := h.coord.Submit(context.Background(), payment("t1"), false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	direct := h.proc.ids()[0]
	if res.Action == nil || res.Action.ID != direct {
		t.Fatalf("queued action = %+v, want id %s", res.Action, direct)
	}

	h.proc.fn = nil
	h.coord.SyncQueue(context.Background())
	if got := h.proc.ids(); !equal(got, []string{direct, direct}) {
		t.Fatalf("refs sent = %v, want the same id twice", got)
	}
}

func TestSubmit_InvalidActionIsRejectedUpfront(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.coord.Submit(context.Background(), domain.RequestWithdrawal{AgentID: "a1", AmountCents: 100, Method: "cheque"}, false)
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if h.proc.count() != 0 || h.coord.Len() != 0 {
		t.Fatal("invalid action reached the processor or the queue")
	}
}
