package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"rentsync/internal/domain"
)

type recordingBackend struct {
	calls []string
	refs  []string
	err   error
	panic bool
	block bool
}

func (b *recordingBackend) hit(ctx context.Context, name, ref string) error {
	b.calls = append(b.calls, name)
	b.refs = append(b.refs, ref)
	if b.panic {
		panic("boom")
	}
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.err
}

func (b *recordingBackend) RecordPayment(ctx context.Context, ref string, _ domain.RecordPayment) error {
	return b.hit(ctx, "recordPayment", ref)
}
func (b *recordingBackend) UpdatePayment(ctx context.Context, ref string, _ domain.UpdatePayment) error {
	return b.hit(ctx, "updatePayment", ref)
}
func (b *recordingBackend) CreateTenant(ctx context.Context, ref string, _ domain.CreateTenant) error {
	return b.hit(ctx, "createTenant", ref)
}
func (b *recordingBackend) UpdateTenant(ctx context.Context, ref string, _ domain.UpdateTenant) error {
	return b.hit(ctx, "updateTenant", ref)
}
func (b *recordingBackend) RequestWithdrawal(ctx context.Context, ref string, _ domain.RequestWithdrawal) error {
	return b.hit(ctx, "requestWithdrawal", ref)
}

func queued(t *testing.T, a domain.Action) domain.QueuedAction {
	t.Helper()
	qa, err := domain.NewQueuedAction(a, time.Now())
	if err != nil {
		t.Fatalf("NewQueuedAction: %v", err)
	}
	return qa
}

func TestProcess_DispatchesEveryKind(t *testing.T) {
	b := &recordingBackend{}
	p := New(b, time.Second)
	actions := []domain.Action{
		domain.RecordPayment{TenantID: "t1", AgentID: "a1", AmountCents: 1000, PaidOn: "2026-10-17"},
		domain.UpdatePayment{PaymentID: "p1", Paid: true},
		domain.CreateTenant{TenantID: "t2", Name: "Neema", AgentID: "a1", DailyRentCents: 1200},
		domain.UpdateTenant{TenantID: "t2", Status: ptr(domain.TenantDormant)},
		domain.RequestWithdrawal{AgentID: "a1", AmountCents: 500, Method: domain.MethodCash},
	}
	for _, a := range actions {
		qa := queued(t, a)
		if res := p.Process(context.Background(), qa); !res.OK() {
			t.Fatalf("Process(%s) = %+v, want success", a.Kind(), res)
		}
		if got := b.refs[len(b.refs)-1]; got != qa.ID {
			t.Fatalf("ref = %q, want action id %q", got, qa.ID)
		}
	}
	want := []string{"recordPayment", "updatePayment", "createTenant", "updateTenant", "requestWithdrawal"}
	for i := range want {
		if b.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", b.calls, want)
		}
	}
}

func TestProcess_ClassifiesFailures(t *testing.T) {
	ctx := context.Background()

	transient := New(&recordingBackend{err: errors.New("502 bad gateway")}, time.Second)
	res := transient.Process(ctx, queued(t, domain.UpdatePayment{PaymentID: "p1", Paid: true}))
	if res.OK() || res.Permanent {
		t.Fatalf("transient failure = %+v, want retryable", res)
	}

	permanent := New(&recordingBackend{err: domain.Permanent(errors.New("payment not found"))}, time.Second)
	res = permanent.Process(ctx, queued(t, domain.UpdatePayment{PaymentID: "p1", Paid: true}))
	if res.OK() || !res.Permanent {
		t.Fatalf("permanent failure = %+v, want permanent", res)
	}
}

func TestProcess_UnknownKindIsPermanentWithoutCallingBackend(t *testing.T) {
	b := &recordingBackend{}
	p := New(b, time.Second)
	res := p.Process(context.Background(), domain.QueuedAction{ID: "act_x", Type: "awardBadge", Payload: json.RawMessage(`{}`)})
	if res.OK() || !res.Permanent || !errors.Is(res.Err, domain.ErrUnknownKind) {
		t.Fatalf("result = %+v, want permanent ErrUnknownKind", res)
	}
	if len(b.calls) != 0 {
		t.Fatalf("backend called %v", b.calls)
	}
}

func TestProcess_RecoversPanics(t *testing.T) {
	p := New(&recordingBackend{panic: true}, time.Second)
	res := p.Process(context.Background(), queued(t, domain.UpdatePayment{PaymentID: "p1"}))
	if res.OK() || res.Permanent {
		t.Fatalf("result = %+v, want transient failure", res)
	}
}

func TestProcess_TimesOutHungCalls(t *testing.T) {
	p := New(&recordingBackend{block: true}, 20*time.Millisecond)
	start := time.Now()
	res := p.Process(context.Background(), queued(t, domain.UpdatePayment{PaymentID: "p1"}))
	if res.OK() || res.Permanent || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("result = %+v, want transient deadline exceeded", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Process did not honour its timeout")
	}
}

func ptr[T any](v T) *T { return &v }
