package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, *mockDynamo, *time.Time) {
	t.Helper()
	mock := newMockDynamo()
	m := NewManager(mock, "levels", "reservations", 30*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }
	return m, mock, &now
}

func mustAdjust(t *testing.T, m *Manager, tenantID, variantID string, delta int) {
	t.Helper()
	if err := m.Adjust(context.Background(), tenantID, variantID, delta); err != nil {
		t.Fatalf("Adjust(%s, %d): %v", variantID, delta, err)
	}
}

func level(t *testing.T, m *Manager, tenantID, variantID string) *Level {
	t.Helper()
	lvl, err := m.Level(context.Background(), tenantID, variantID)
	if err != nil {
		t.Fatalf("Level: %v", err)
	}
	if lvl == nil {
		t.Fatalf("level %s/%s missing", tenantID, variantID)
	}
	return lvl
}

func TestReserve_HoldsStock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 5)

	held, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(held) != 1 || held[0].Status != StatusHeld {
		t.Fatalf("unexpected holds: %+v", held)
	}

	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 3 || lvl.Reserved != 2 {
		t.Fatalf("expected available=3 reserved=2, got %+v", lvl)
	}
}

func TestReserve_OutOfStock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 1)

	_, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 2}})
	var oos *OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected OutOfStockError, got %v", err)
	}
	if oos.VariantID != "variant-1" {
		t.Fatalf("wrong variant in error: %s", oos.VariantID)
	}
}

func TestReserve_PartialFailureReleasesEarlierHolds(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 5)
	// variant-2 has no stock at all

	_, err := m.Reserve(ctx, "tenant-a", []Line{
		{VariantID: "variant-1", Quantity: 2},
		{VariantID: "variant-2", Quantity: 1},
	})
	var oos *OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected OutOfStockError, got %v", err)
	}

	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 5 || lvl.Reserved != 0 {
		t.Fatalf("partial hold not rolled back: %+v", lvl)
	}
}

func TestReserve_ConcurrentLastUnit(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustAdjust(t, m, "tenant-a", "variant-b", 1)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), "tenant-a", []Line{{VariantID: "variant-b", Quantity: 1}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, outOfStock int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var oos *OutOfStockError
		if errors.As(err, &oos) {
			outOfStock++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || outOfStock != 1 {
		t.Fatalf("expected exactly one winner, got successes=%d outOfStock=%d", successes, outOfStock)
	}
}

func TestRelease_RestoresStockAndIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 3)

	held, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ids := []string{held[0].ReservationID}

	if err := m.Release(ctx, ids); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 3 || lvl.Reserved != 0 {
		t.Fatalf("release did not restore stock: %+v", lvl)
	}

	// Second release must not double-restore.
	if err := m.Release(ctx, ids); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	lvl = level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 3 || lvl.Reserved != 0 {
		t.Fatalf("double release mutated stock: %+v", lvl)
	}
}

func TestCommit_FinalizesHold(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 3)

	held, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ids := []string{held[0].ReservationID}

	if err := m.Commit(ctx, ids, "order-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 1 || lvl.Reserved != 0 {
		t.Fatalf("expected available=1 reserved=0 after commit, got %+v", lvl)
	}

	// Committing again (webhook + sync race) is a no-op.
	if err := m.Commit(ctx, ids, "order-1"); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	lvl = level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 1 || lvl.Reserved != 0 {
		t.Fatalf("double commit mutated stock: %+v", lvl)
	}

	// Releasing a committed reservation must also be a no-op.
	if err := m.Release(ctx, ids); err != nil {
		t.Fatalf("Release after commit: %v", err)
	}
	lvl = level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 1 || lvl.Reserved != 0 {
		t.Fatalf("release after commit mutated stock: %+v", lvl)
	}
}

func TestSweepExpired_ReleasesOnlyStaleHolds(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 4)

	stale, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 1}})
	if err != nil {
		t.Fatalf("Reserve stale: %v", err)
	}
	_ = stale

	*now = now.Add(31 * time.Minute)
	if _, err := m.Reserve(ctx, "tenant-a", []Line{{VariantID: "variant-1", Quantity: 1}}); err != nil {
		t.Fatalf("Reserve fresh: %v", err)
	}

	swept, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}
	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 3 || lvl.Reserved != 1 {
		t.Fatalf("expected stale hold returned, got %+v", lvl)
	}
}

func TestAdjust_RejectsNegativeBelowZero(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustAdjust(t, m, "tenant-a", "variant-1", 2)

	if err := m.Adjust(ctx, "tenant-a", "variant-1", -3); err == nil {
		t.Fatalf("expected adjust below zero to fail")
	}
	lvl := level(t, m, "tenant-a", "variant-1")
	if lvl.Available != 2 {
		t.Fatalf("failed adjust mutated level: %+v", lvl)
	}
}
