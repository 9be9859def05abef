package window

import (
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEmptyEntityReturnsZero(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-none")

	if got := agg.Count(key, domain.MetricOutgoing, 5*time.Minute); got != 0 {
		t.Errorf("expected count 0, got %d", got)
	}
	if got := agg.Sum(key, domain.MetricOutgoing, 5*time.Minute); got != 0 {
		t.Errorf("expected sum 0, got %f", got)
	}
	if got := agg.Distinct(key, domain.MetricOutgoing, 5*time.Minute); got != 0 {
		t.Errorf("expected distinct 0, got %d", got)
	}
	if !agg.AllShare(key, domain.MetricOutgoing, 5*time.Minute, "x") {
		t.Error("AllShare over empty window should be vacuously true")
	}
}

func TestCountSumDistinct(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-1")
	now := time.Now()

	for i, amt := range []float64{100, 200, 300} {
		label := "dest-a"
		if i == 2 {
			label = "dest-b"
		}
		if err := agg.Observe(key, domain.MetricOutgoing, now.Add(-time.Duration(i)*time.Minute), amt, label); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	if got := agg.Count(key, domain.MetricOutgoing, 10*time.Minute); got != 3 {
		t.Errorf("expected count 3, got %d", got)
	}
	if got := agg.Sum(key, domain.MetricOutgoing, 10*time.Minute); got != 600 {
		t.Errorf("expected sum 600, got %f", got)
	}
	if got := agg.Distinct(key, domain.MetricOutgoing, 10*time.Minute); got != 2 {
		t.Errorf("expected 2 distinct labels, got %d", got)
	}

	// Narrow window excludes the two older points.
	if got := agg.Count(key, domain.MetricOutgoing, 30*time.Second); got != 1 {
		t.Errorf("expected count 1 in 30s window, got %d", got)
	}
}

func TestWindowLowerBoundInclusive(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-bound")

	fixed := time.Now()
	agg.now = func() time.Time { return fixed }

	// Exactly on the lower bound: included.
	if err := agg.Observe(key, domain.MetricOutgoing, fixed.Add(-5*time.Minute), 50, "d"); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	if got := agg.Count(key, domain.MetricOutgoing, 5*time.Minute); got != 1 {
		t.Errorf("observation on the window bound should count, got %d", got)
	}

	// One nanosecond past the bound: excluded.
	agg.now = func() time.Time { return fixed.Add(time.Nanosecond) }
	if got := agg.Count(key, domain.MetricOutgoing, 5*time.Minute-time.Nanosecond); got != 0 {
		t.Errorf("observation outside the window should not count, got %d", got)
	}
}

func TestObservationsAgeOut(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-age")

	base := time.Now()
	agg.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		ts := base.Add(-time.Duration(4-i) * time.Minute)
		if err := agg.Observe(key, domain.MetricOutgoing, ts, 10, "d"); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	if got := agg.Count(key, domain.MetricOutgoing, 5*time.Minute); got != 5 {
		t.Fatalf("expected 5 observations, got %d", got)
	}

	// Move time forward: the earliest observation crosses the boundary.
	agg.now = func() time.Time { return base.Add(90 * time.Second) }
	if got := agg.Count(key, domain.MetricOutgoing, 5*time.Minute); got != 4 {
		t.Errorf("expected 4 observations after aging, got %d", got)
	}
}

func TestRejectsObservationPastRetention(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-old")

	err := agg.Observe(key, domain.MetricOutgoing, time.Now().Add(-2*time.Hour), 10, "d")
	if err == nil {
		t.Error("expected error for observation older than retention")
	}
}

func TestOutOfOrderObservations(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-ooo")
	now := time.Now()

	agg.Observe(key, domain.MetricOutgoing, now, 1, "a")
	agg.Observe(key, domain.MetricOutgoing, now.Add(-10*time.Minute), 2, "b")
	agg.Observe(key, domain.MetricOutgoing, now.Add(-5*time.Minute), 3, "c")

	if got := agg.Count(key, domain.MetricOutgoing, 7*time.Minute); got != 2 {
		t.Errorf("expected 2 observations in 7m window, got %d", got)
	}
	if got := agg.Sum(key, domain.MetricOutgoing, 30*time.Minute); got != 6 {
		t.Errorf("expected sum 6, got %f", got)
	}
}

func TestAllShare(t *testing.T) {
	agg := New(time.Hour)
	key := domain.AccountKey("acct-share")
	now := time.Now()

	agg.Observe(key, domain.MetricOutgoing, now.Add(-2*time.Minute), 10, "same-dest")
	agg.Observe(key, domain.MetricOutgoing, now.Add(-time.Minute), 20, "same-dest")

	if !agg.AllShare(key, domain.MetricOutgoing, 10*time.Minute, "same-dest") {
		t.Error("expected all observations to share the label")
	}

	agg.Observe(key, domain.MetricOutgoing, now, 30, "other-dest")
	if agg.AllShare(key, domain.MetricOutgoing, 10*time.Minute, "same-dest") {
		t.Error("expected AllShare to be false after a differing label")
	}
}

func TestObserveTransaction(t *testing.T) {
	agg := New(time.Hour)
	tx := &domain.Transaction{
		ID:          "tx-1",
		Type:        domain.TypeTransfer,
		FromAccount: "acct-src",
		ToAccount:   "acct-dst",
		Amount:      250,
		DeviceID:    "dev-1",
		IPAddress:   "10.0.0.1",
		Timestamp:   time.Now(),
	}

	if err := agg.ObserveTransaction(tx); err != nil {
		t.Fatalf("observe transaction failed: %v", err)
	}

	src := domain.AccountKey("acct-src")
	if got := agg.Count(src, domain.MetricOutgoing, time.Minute); got != 1 {
		t.Errorf("expected 1 outgoing observation, got %d", got)
	}
	if got := agg.Sum(domain.AccountKey("acct-dst"), domain.MetricIncoming, time.Minute); got != 250 {
		t.Errorf("expected incoming sum 250, got %f", got)
	}
	if got := agg.Distinct(src, domain.MetricDevices, time.Minute); got != 1 {
		t.Errorf("expected 1 distinct device, got %d", got)
	}
	if got := agg.Count(domain.IPKey("10.0.0.1"), domain.MetricSource, time.Minute); got != 1 {
		t.Errorf("expected 1 source observation for IP, got %d", got)
	}
}

// Task delivery is at-least-once: the same transaction can be observed
// again after a retry, and a client retry can carry a fresh transaction
// id under the same correlation id. Neither may inflate the windows.
func TestObserveTransactionDedupesRedelivery(t *testing.T) {
	agg := New(time.Hour)
	src := domain.AccountKey("acct-src")

	tx := &domain.Transaction{
		ID:            "tx-1",
		CorrelationID: "corr-1",
		Type:          domain.TypeTransfer,
		FromAccount:   "acct-src",
		ToAccount:     "acct-dst",
		Amount:        250,
		Timestamp:     time.Now(),
	}

	for i := 0; i < 3; i++ {
		if err := agg.ObserveTransaction(tx); err != nil {
			t.Fatalf("observe transaction failed: %v", err)
		}
	}
	if got := agg.Count(src, domain.MetricOutgoing, time.Minute); got != 1 {
		t.Errorf("expected 1 observation after redelivery, got %d", got)
	}
	if got := agg.Sum(src, domain.MetricOutgoing, time.Minute); got != 250 {
		t.Errorf("expected outgoing sum 250 after redelivery, got %f", got)
	}

	// Same correlation id, fresh transaction id: a retried submission.
	retried := *tx
	retried.ID = "tx-1-retry"
	if err := agg.ObserveTransaction(&retried); err != nil {
		t.Fatalf("observe retried transaction failed: %v", err)
	}
	if got := agg.Count(src, domain.MetricOutgoing, time.Minute); got != 1 {
		t.Errorf("expected retried submission to dedupe, got %d observations", got)
	}

	// A genuinely new transaction still counts.
	next := *tx
	next.ID = "tx-2"
	next.CorrelationID = "corr-2"
	if err := agg.ObserveTransaction(&next); err != nil {
		t.Fatalf("observe second transaction failed: %v", err)
	}
	if got := agg.Count(src, domain.MetricOutgoing, time.Minute); got != 2 {
		t.Errorf("expected 2 observations after a distinct transaction, got %d", got)
	}
}

func TestConcurrentObserveAndQuery(t *testing.T) {
	agg := New(time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := domain.AccountKey("acct-concurrent")
			for i := 0; i < 200; i++ {
				agg.Observe(key, domain.MetricOutgoing, now, 1, "d")
				agg.Count(key, domain.MetricOutgoing, time.Minute)
			}
		}(g)
	}
	wg.Wait()

	if got := agg.Count(domain.AccountKey("acct-concurrent"), domain.MetricOutgoing, time.Hour); got != 1600 {
		t.Errorf("expected 1600 observations, got %d", got)
	}
}
