// Package pipeline runs the asynchronous dispatch loop: it consumes
// evaluation tasks from the event bus, drives the rule engine, persists
// verdicts, and fans results out to the verdict and alert topics.
//
// Bus delivery is at-least-once, so the pipeline is idempotent per
// correlation id: a redelivered task whose verdict already exists is
// acknowledged without re-evaluating.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Pipeline consumes tasks from the ingest topic with a bounded worker
// pool and publishes verdicts.
type Pipeline struct {
	bus      domain.EventBus
	repo     domain.Repository
	cache    domain.Cache
	agg      *window.Aggregator
	engine   *rules.Engine
	notifier domain.Notifier
	cfg      domain.PipelineConfig

	tasks  chan *domain.Task
	sub    domain.Subscription
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed    atomic.Int64
	duplicates   atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
}

// New creates a pipeline. The notifier may be nil.
func New(bus domain.EventBus, repo domain.Repository, cache domain.Cache, agg *window.Aggregator, engine *rules.Engine, notifier domain.Notifier, cfg domain.PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		bus:      bus,
		repo:     repo,
		cache:    cache,
		agg:      agg,
		engine:   engine,
		notifier: notifier,
		cfg:      cfg,
		tasks:    make(chan *domain.Task, cfg.Workers*2),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingest topic and launches the worker pool.
func (p *Pipeline) Start() error {
	sub, err := p.bus.Subscribe(p.ctx, domain.TopicTransactionIngested, p.enqueue)
	if err != nil {
		return err
	}
	p.sub = sub

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	slog.Info("pipeline started",
		"workers", p.cfg.Workers,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// enqueue is the bus handler; it parses the task and hands it to the pool.
func (p *Pipeline) enqueue(ctx context.Context, msg *domain.Message) error {
	var task domain.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		metrics.TasksTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		slog.Error("failed to parse task",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if task.TransactionID == "" || task.CorrelationID == "" {
		metrics.TasksTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		slog.Error("task missing identifiers", "message_id", msg.ID)
		return domain.ErrInvalidInput
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	select {
	case p.tasks <- &task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			if task != nil {
				p.handle(task)
			}
		}
	}
}

// handle runs one task end to end under the task timeout.
func (p *Pipeline) handle(task *domain.Task) {
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()

	// Redelivery short-circuit: a correlation id with a stored verdict
	// has already been processed to completion.
	if v, err := p.repo.GetVerdictByCorrelation(ctx, task.CorrelationID); err == nil && v != nil {
		p.duplicates.Add(1)
		metrics.TasksTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		slog.Debug("duplicate task skipped",
			"tx_id", task.TransactionID,
			"correlation_id", task.CorrelationID,
			"attempt", task.Attempt,
		)
		return
	}

	// In-flight marker so operators can see tasks mid-evaluation. Expires
	// with the task timeout; best effort.
	marker := domain.CacheKeyProcessingPrefix + task.CorrelationID
	_ = p.cache.Set(ctx, marker, []byte(task.TransactionID), p.cfg.TaskTimeout)
	defer func() {
		_ = p.cache.Delete(context.Background(), marker)
	}()

	tx, err := p.repo.GetTransaction(ctx, task.TransactionID)
	if err != nil {
		slog.Error("failed to load transaction",
			"tx_id", task.TransactionID,
			"error", err,
		)
		p.retry(task, err)
		return
	}

	// Record the transaction into the sliding windows before evaluating,
	// so velocity and frequency conditions see it.
	if err := p.agg.ObserveTransaction(tx); err != nil {
		slog.Warn("failed to record window observations",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	verdict, err := p.engine.Evaluate(ctx, tx)
	if err != nil {
		slog.Error("evaluation failed",
			"tx_id", tx.ID,
			"error", err,
		)
		p.retry(task, err)
		return
	}
	verdict.CorrelationID = task.CorrelationID

	if err := p.repo.SaveVerdict(ctx, verdict); err != nil {
		slog.Error("failed to save verdict",
			"tx_id", tx.ID,
			"error", err,
		)
		p.retry(task, err)
		return
	}

	p.recordOutcomes(ctx, tx.ID, verdict)

	detail := strings.Join(verdict.Reasons(), "; ")
	if err := p.repo.SetTransactionStatus(ctx, tx.ID, verdict.Status, detail); err != nil {
		slog.Error("failed to update transaction status",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	p.publish(ctx, tx, verdict)

	p.processed.Add(1)
	metrics.TasksTotal.WithLabelValues(metrics.OutcomeProcessed).Inc()
	metrics.VerdictsTotal.WithLabelValues(string(verdict.Status)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	slog.Info("transaction evaluated",
		"tx_id", tx.ID,
		"correlation_id", task.CorrelationID,
		"status", verdict.Status,
		"risk_level", verdict.RiskLevel,
		"rules_matched", verdict.RulesMatched,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// recordOutcomes persists per-rule stats. An errored rule counts as an
// execution but never as a match.
func (p *Pipeline) recordOutcomes(ctx context.Context, txID string, v *domain.Verdict) {
	for _, r := range v.RuleResults {
		if r.Errored() {
			metrics.RuleErrorsTotal.Inc()
		} else if r.Matched {
			metrics.RuleMatchesTotal.WithLabelValues(string(r.Kind)).Inc()
		}
		if err := p.repo.RecordRuleOutcome(ctx, txID, r.RuleID, r.Matched); err != nil {
			slog.Error("failed to record rule outcome",
				"tx_id", txID,
				"rule_id", r.RuleID,
				"error", err,
			)
		}
	}
}

// publish fans the verdict out to the verdict topic, and to the alert
// topic plus the notifier when the transaction needs attention. None of
// these failures fail the task; the verdict is already durable.
func (p *Pipeline) publish(ctx context.Context, tx *domain.Transaction, v *domain.Verdict) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal verdict", "tx_id", tx.ID, "error", err)
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
		slog.Error("failed to publish verdict",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	if !v.Flagged() {
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		slog.Error("failed to publish alert",
			"tx_id", tx.ID,
			"error", err,
		)
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, tx, v); err != nil {
			slog.Warn("notification failed",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}
}

// retry republishes the task with a doubled backoff, or dead-letters it
// once MaxAttempts is reached.
func (p *Pipeline) retry(task *domain.Task, cause error) {
	if task.Attempt >= p.cfg.MaxAttempts {
		p.deadLetter(task, cause)
		return
	}

	backoff := p.cfg.RetryBackoff << uint(task.Attempt-1)
	next := *task
	next.Attempt++
	payload, err := json.Marshal(&next)
	if err != nil {
		slog.Error("failed to marshal retry task", "tx_id", task.TransactionID, "error", err)
		return
	}

	p.retries.Add(1)
	metrics.TasksTotal.WithLabelValues(metrics.OutcomeRetried).Inc()
	slog.Warn("task requeued",
		"tx_id", task.TransactionID,
		"attempt", next.Attempt,
		"backoff", backoff.String(),
		"error", cause,
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := p.bus.Publish(p.ctx, domain.TopicTransactionIngested, payload); err != nil {
			slog.Error("failed to requeue task",
				"tx_id", task.TransactionID,
				"error", err,
			)
		}
	}()
}

// deadLetterEnvelope is the payload published to the dead-letter topic.
type deadLetterEnvelope struct {
	Task     domain.Task `json:"task"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failedAt"`
}

func (p *Pipeline) deadLetter(task *domain.Task, cause error) {
	p.deadLettered.Add(1)
	metrics.TasksTotal.WithLabelValues(metrics.OutcomeDeadLettered).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(deadLetterEnvelope{
		Task:     *task,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err := p.bus.Publish(ctx, domain.TopicDeadLetter, payload); err != nil {
		slog.Error("failed to publish dead letter",
			"tx_id", task.TransactionID,
			"error", err,
		)
	}

	if err := p.repo.SetTransactionStatus(ctx, task.TransactionID, domain.StatusFailed, cause.Error()); err != nil {
		slog.Error("failed to mark transaction failed",
			"tx_id", task.TransactionID,
			"error", err,
		)
	}

	slog.Error("task dead-lettered",
		"tx_id", task.TransactionID,
		"correlation_id", task.CorrelationID,
		"attempts", task.Attempt,
		"error", cause,
	)
}

// Stop unsubscribes, drains in-flight work, and shuts the pool down.
func (p *Pipeline) Stop() error {
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", p.sub.Topic(), "error", err)
		}
		p.sub = nil
	}

	p.cancel()
	p.wg.Wait()

	slog.Info("pipeline stopped",
		"processed", p.processed.Load(),
		"dead_lettered", p.deadLettered.Load(),
	)
	return nil
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Workers      int   `json:"workers"`
	Processed    int64 `json:"processed"`
	Duplicates   int64 `json:"duplicates"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"deadLettered"`
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Workers:      p.cfg.Workers,
		Processed:    p.processed.Load(),
		Duplicates:   p.duplicates.Load(),
		Retries:      p.retries.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}
