package idempotency

import (
	"context"
	"testing"
	"time"
)

func newTestStore(mock *simpleMock) (*Store, *time.Time) {
	s := NewStore(mock, "idempotency-table", 24*time.Hour, 30*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	return s, &now
}

func TestBegin_CreatesOnFirstCall(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected OutcomeCreated, got %v", res.Outcome)
	}
	if res.Record.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", res.Record.Status)
	}
}

func TestBegin_InFlightWithinGrace(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if res.Outcome != OutcomeInFlight {
		t.Fatalf("expected OutcomeInFlight, got %v", res.Outcome)
	}
}

func TestBegin_RedrivesStalePending(t *testing.T) {
	mock := newSimpleMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("first Begin: %v", err)
	}

	// Advance past the grace window; the retry should take the record over.
	*now = now.Add(45 * time.Second)
	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("redrive Begin: %v", err)
	}
	if res.Outcome != OutcomeRedrive {
		t.Fatalf("expected OutcomeRedrive, got %v", res.Outcome)
	}

	// Immediately retrying again must see the fresh takeover as in-flight.
	res2, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("post-redrive Begin: %v", err)
	}
	if res2.Outcome != OutcomeInFlight {
		t.Fatalf("expected OutcomeInFlight after takeover, got %v", res2.Outcome)
	}
}

func TestBegin_DispatchedPendingIsNeverRedriven(t *testing.T) {
	mock := newSimpleMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := s.MarkDispatched(ctx, "tenant-a", "key-1", "order-7"); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}

	// Well past the grace window a retry must not take the record over: the
	// capture may have landed and a restarted saga would charge again.
	*now = now.Add(10 * time.Minute)
	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("retry Begin: %v", err)
	}
	if res.Outcome != OutcomeAwaitingPayment {
		t.Fatalf("expected OutcomeAwaitingPayment, got %v", res.Outcome)
	}
	if res.Record.OrderID != "order-7" {
		t.Fatalf("expected stamped order id, got %q", res.Record.OrderID)
	}

	// Once the reconciler closes the record, replays resume normally.
	if err := s.MarkSucceeded(ctx, "tenant-a", "key-1", "order-7"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	res, err = s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("post-terminal Begin: %v", err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("expected OutcomeReplay after terminal, got %v", res.Outcome)
	}
}

func TestMarkDispatched_NoOpAfterTerminal(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.MarkFailed(ctx, "tenant-a", "key-1", "validation", "bad address"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.MarkDispatched(ctx, "tenant-a", "key-1", "order-9"); err != nil {
		t.Fatalf("MarkDispatched after terminal should no-op, got %v", err)
	}
	rec, err := s.Get(ctx, "tenant-a", "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.DispatchedAt != 0 || rec.Status != StatusFailed {
		t.Fatalf("terminal record mutated: %+v", rec)
	}
}

func TestBegin_ReplayAfterTerminal(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.MarkSucceeded(ctx, "tenant-a", "key-1", "order-9"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1")
	if err != nil {
		t.Fatalf("replay Begin: %v", err)
	}
	if res.Outcome != OutcomeReplay {
		t.Fatalf("expected OutcomeReplay, got %v", res.Outcome)
	}
	if res.Record.OrderID != "order-9" {
		t.Fatalf("expected stored order id, got %q", res.Record.OrderID)
	}
	if res.Record.Status != StatusSucceeded {
		t.Fatalf("expected SUCCESS, got %s", res.Record.Status)
	}
}

func TestBegin_ConflictOnPayloadMismatch(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := s.Begin(ctx, "tenant-a", "key-1", "hash-DIFFERENT")
	if err != nil {
		t.Fatalf("conflicting Begin: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected OutcomeConflict, got %v", res.Outcome)
	}
}

func TestBegin_SameKeyDifferentTenants(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	resA, err := s.Begin(ctx, "tenant-a", "shared-key", "hash-a")
	if err != nil {
		t.Fatalf("tenant-a Begin: %v", err)
	}
	resB, err := s.Begin(ctx, "tenant-b", "shared-key", "hash-b")
	if err != nil {
		t.Fatalf("tenant-b Begin: %v", err)
	}
	if resA.Outcome != OutcomeCreated || resB.Outcome != OutcomeCreated {
		t.Fatalf("expected independent records per tenant, got %v / %v", resA.Outcome, resB.Outcome)
	}
}

func TestMarkTerminal_IsImmutableAfterward(t *testing.T) {
	mock := newSimpleMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "key-1", "hash-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.MarkSucceeded(ctx, "tenant-a", "key-1", "order-1"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	// Marking again (either way) must be a silent no-op.
	if err := s.MarkFailed(ctx, "tenant-a", "key-1", "payment_declined", "late decline"); err != nil {
		t.Fatalf("MarkFailed after terminal should no-op, got %v", err)
	}
	rec, err := s.Get(ctx, "tenant-a", "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusSucceeded || rec.OrderID != "order-1" {
		t.Fatalf("terminal record mutated: %+v", rec)
	}
}

func TestPurgeExpired(t *testing.T) {
	mock := newSimpleMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "tenant-a", "old-key", "h"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	*now = now.Add(25 * time.Hour)
	if _, err := s.Begin(ctx, "tenant-a", "fresh-key", "h"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	purged, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if rec, _ := s.Get(ctx, "tenant-a", "old-key"); rec != nil {
		t.Fatalf("expected old record removed")
	}
	if rec, _ := s.Get(ctx, "tenant-a", "fresh-key"); rec == nil {
		t.Fatalf("fresh record should survive purge")
	}
}
