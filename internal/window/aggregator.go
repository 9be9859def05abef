// Package window maintains sliding per-entity counters and sums used by
// pattern and threshold rules.
package window

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// shardCount partitions the key space so observations for unrelated
// entities never contend on one lock.
const shardCount = 64

// observation is one recorded data point.
type observation struct {
	ts    time.Time
	value float64
	label string
}

// series is the append-only, time-ordered buffer for one (entity, metric).
type series struct {
	points []observation
}

// prune drops points older than the retention horizon. Called lazily
// under the shard lock on observe and query; there is no background
// stop-the-world pass.
func (s *series) prune(horizon time.Time) {
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].ts.Before(horizon)
	})
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}

// from returns the index of the first point at or after cutoff.
func (s *series) from(cutoff time.Time) int {
	return sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].ts.Before(cutoff)
	})
}

type shard struct {
	mu     sync.Mutex
	series map[seriesKey]*series
}

type seriesKey struct {
	entity domain.EntityKey
	metric domain.Metric
}

// Aggregator is a partitioned concurrent windowed store implementing
// domain.Aggregator. Entries older than the retention period are evicted
// opportunistically; queries never observe points outside the requested
// window.
type Aggregator struct {
	shards    [shardCount]*shard
	retention time.Duration

	// seen dedupes ObserveTransaction across redeliveries. Keyed by
	// correlation id so a client retry of the same submission dedupes
	// even when it carries a fresh transaction id.
	seenMu    sync.Mutex
	seen      map[string]time.Time
	seenSwept time.Time

	// now is swappable for tests.
	now func() time.Time
}

// seenSweepInterval bounds how often expired dedupe entries are swept.
const seenSweepInterval = time.Minute

// New creates an aggregator retaining observations for at most the given
// period, which must cover the longest window any active rule asks for.
func New(retention time.Duration) *Aggregator {
	return NewWithClock(retention, time.Now)
}

// NewWithClock creates an aggregator with an explicit time source.
func NewWithClock(retention time.Duration, clock func() time.Time) *Aggregator {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	a := &Aggregator{
		retention: retention,
		seen:      make(map[string]time.Time),
		seenSwept: clock(),
		now:       clock,
	}
	for i := range a.shards {
		a.shards[i] = &shard{series: make(map[seriesKey]*series)}
	}
	return a
}

// Observe records one data point. Timestamps older than the retention
// horizon are rejected; slightly future timestamps are accepted as clock
// skew.
func (a *Aggregator) Observe(key domain.EntityKey, metric domain.Metric, ts time.Time, value float64, label string) error {
	now := a.now()
	if ts.Before(now.Add(-a.retention)) {
		return fmt.Errorf("observation at %s predates retention horizon", ts.Format(time.RFC3339))
	}

	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sk := seriesKey{entity: key, metric: metric}
	s, ok := sh.series[sk]
	if !ok {
		s = &series{}
		sh.series[sk] = s
	}
	s.prune(now.Add(-a.retention))

	obs := observation{ts: ts, value: value, label: label}
	// Points arrive nearly ordered; insert in place for the rare straggler.
	if n := len(s.points); n > 0 && s.points[n-1].ts.After(ts) {
		i := s.from(ts)
		s.points = append(s.points, observation{})
		copy(s.points[i+1:], s.points[i:])
		s.points[i] = obs
		return nil
	}
	s.points = append(s.points, obs)
	return nil
}

// Count returns the number of observations within [now-window, now].
func (a *Aggregator) Count(key domain.EntityKey, metric domain.Metric, window time.Duration) int {
	n := 0
	a.query(key, metric, window, func(o observation) {
		n++
	})
	return n
}

// Sum returns the value total within the window.
func (a *Aggregator) Sum(key domain.EntityKey, metric domain.Metric, window time.Duration) float64 {
	total := 0.0
	a.query(key, metric, window, func(o observation) {
		total += o.value
	})
	return total
}

// Distinct returns the number of distinct labels within the window.
func (a *Aggregator) Distinct(key domain.EntityKey, metric domain.Metric, window time.Duration) int {
	labels := make(map[string]struct{})
	a.query(key, metric, window, func(o observation) {
		labels[o.label] = struct{}{}
	})
	return len(labels)
}

// AllShare reports whether every observation in the window carries the
// given label. Vacuously true for an empty window.
func (a *Aggregator) AllShare(key domain.EntityKey, metric domain.Metric, window time.Duration, label string) bool {
	all := true
	a.query(key, metric, window, func(o observation) {
		if o.label != label {
			all = false
		}
	})
	return all
}

// query visits every observation within [now-window, now] under the
// shard lock, pruning expired points on the way.
func (a *Aggregator) query(key domain.EntityKey, metric domain.Metric, window time.Duration, visit func(observation)) {
	now := a.now()
	cutoff := now.Add(-window)

	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.series[seriesKey{entity: key, metric: metric}]
	if !ok {
		return
	}
	s.prune(now.Add(-a.retention))

	for i := s.from(cutoff); i < len(s.points); i++ {
		if s.points[i].ts.After(now) {
			break
		}
		visit(s.points[i])
	}
}

func (a *Aggregator) shardFor(key domain.EntityKey) *shard {
	return a.shards[fnv32(string(key.Kind)+":"+key.ID)%shardCount]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// firstSighting records the dedupe key and reports whether it has not
// been seen before. Task delivery is at-least-once, so the same
// transaction can reach ObserveTransaction again on a retry; only the
// first sighting may feed the windows, or a single clean transaction
// would satisfy its own count threshold.
func (a *Aggregator) firstSighting(key string) bool {
	now := a.now()
	a.seenMu.Lock()
	defer a.seenMu.Unlock()

	if now.Sub(a.seenSwept) >= seenSweepInterval {
		horizon := now.Add(-a.retention)
		for k, t := range a.seen {
			if t.Before(horizon) {
				delete(a.seen, k)
			}
		}
		a.seenSwept = now
	}

	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = now
	return true
}

// ObserveTransaction records a transaction across every series the rule
// evaluators query: outgoing/incoming amounts, device, IP and type usage.
// Idempotent per transaction: redeliveries are no-ops.
func (a *Aggregator) ObserveTransaction(tx *domain.Transaction) error {
	key := tx.CorrelationID
	if key == "" {
		key = tx.ID
	}
	if key != "" && !a.firstSighting(key) {
		return nil
	}

	ts := tx.Timestamp
	from := domain.AccountKey(tx.FromAccount)

	if err := a.Observe(from, domain.MetricOutgoing, ts, tx.Amount, tx.ToAccount); err != nil {
		return err
	}
	if err := a.Observe(domain.AccountKey(tx.ToAccount), domain.MetricIncoming, ts, tx.Amount, tx.FromAccount); err != nil {
		return err
	}
	if err := a.Observe(from, domain.MetricTypes, ts, 1, string(tx.Type)); err != nil {
		return err
	}
	if tx.DeviceID != "" {
		if err := a.Observe(from, domain.MetricDevices, ts, 1, tx.DeviceID); err != nil {
			return err
		}
		if err := a.Observe(domain.DeviceKey(tx.DeviceID), domain.MetricSource, ts, tx.Amount, tx.FromAccount); err != nil {
			return err
		}
	}
	if tx.IPAddress != "" {
		if err := a.Observe(from, domain.MetricIPs, ts, 1, tx.IPAddress); err != nil {
			return err
		}
		if err := a.Observe(domain.IPKey(tx.IPAddress), domain.MetricSource, ts, tx.Amount, tx.FromAccount); err != nil {
			return err
		}
	}
	return nil
}
