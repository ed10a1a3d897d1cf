package electro

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/qor5/go-bus/quex"
	"github.com/qor5/go-que"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/goquex"
	"github.com/qor5/x/v3/jsonx"
	"github.com/qor5/x/v3/sqlx"
	"github.com/theplant/appkit/errornotifier"
	"github.com/theplant/appkit/logtracing"

	"github.com/Pablovelazquezb/electro/internal/metrics"
)

// PipelineConfig contains configuration for the scheduled sync pipeline
type PipelineConfig struct {
	// Core dependencies
	Service *Service

	// go-que queue holding one pending sync window per client
	QueueDB   *sql.DB
	QueueName string

	// Processing parameters
	Interval         time.Duration // length of one sync window
	SampleInterval   time.Duration // device sampling step inside a window. Default: Interval
	ConsistencyDelay time.Duration // wait after a window closes before reading it
	MaxWindow        time.Duration // longest window after failed windows are merged. Default: 24 * Interval

	// Failure handling
	RetryPolicy             *que.RetryPolicy
	CircuitBreakerThreshold int           // Number of consecutive skipped jobs before pausing the pipeline
	CircuitBreakerCooldown  time.Duration // pause before windows run again once the breaker opened

	// Optional
	Notifier errornotifier.Notifier
	Clock    clockwork.Clock
}

// Validate validates the configuration
func (c *PipelineConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Service == nil {
		return errors.New("Service is required")
	}

	if c.QueueDB == nil {
		return errors.New("QueueDB is required")
	}

	if c.QueueName == "" {
		return errors.New("QueueName is required")
	}

	if c.Interval <= 0 {
		return errors.New("Interval must be greater than 0")
	}

	if c.SampleInterval < 0 || (c.SampleInterval > 0 && c.SampleInterval < time.Second) {
		return errors.New("SampleInterval must be at least one second")
	}

	if c.ConsistencyDelay < 0 {
		return errors.New("ConsistencyDelay must be greater than or equal to 0")
	}

	if c.MaxWindow < 0 {
		return errors.New("MaxWindow must be greater than or equal to 0")
	}

	if c.RetryPolicy == nil {
		return errors.New("RetryPolicy is required")
	}

	if c.CircuitBreakerThreshold <= 0 {
		return errors.New("CircuitBreakerThreshold must be greater than 0")
	}

	if c.CircuitBreakerCooldown <= 0 {
		return errors.New("CircuitBreakerCooldown must be greater than 0")
	}

	return nil
}

// Pipeline periodically extracts every registered client, one window per job
type Pipeline struct {
	*PipelineConfig
	queue que.Queue

	// consecutive failed windows across all clients
	skippedCount  atomic.Int64
	lastSkippedAt atomic.Value // time.Time
}

// NewPipeline creates a new Pipeline instance
func NewPipeline(conf *PipelineConfig) (*Pipeline, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.SampleInterval == 0 {
		conf.SampleInterval = conf.Interval
	}
	if conf.MaxWindow == 0 {
		conf.MaxWindow = 24 * conf.Interval
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}

	queue, err := pg.NewWithOptions(pg.Options{DB: conf.QueueDB, DBMigrate: false})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create queue")
	}

	return &Pipeline{
		PipelineConfig: conf,
		queue:          queue,
	}, nil
}

// Start schedules every registered client and starts the worker
func (s *Pipeline) Start(ctx context.Context) (quex.WorkerController, error) {
	clients, err := s.Service.Clients.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list clients")
	}
	for _, c := range clients {
		if err := s.Schedule(ctx, c.ID, time.Time{}); err != nil {
			return nil, err
		}
	}

	worker, err := quex.StartWorker(ctx, que.WorkerOptions{
		Mutex:   s.queue.Mutex(),
		Queue:   s.QueueName,
		Perform: goquex.PerformWithTracing(s.Notifier)(s.Process),
	})
	if err != nil {
		return nil, err
	}

	return worker, nil
}

// Schedule enqueues the first window of a client starting at from, or at the last complete
// interval when from is zero. A client that is already scheduled is left untouched.
func (s *Pipeline) Schedule(ctx context.Context, clientID string, from time.Time) error {
	w := &SyncWindow{ClientID: clientID, FromAt: from}
	err := sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		return s.enqueueJob(ctx, tx, w, time.Time{})
	})
	if err != nil && !errors.Is(err, que.ErrViolateUniqueConstraint) {
		return errors.Wrapf(err, "failed to schedule client %s", clientID)
	}
	return nil
}

// SyncUniqueID keeps at most one pending sync job per client
func SyncUniqueID(clientID string) string {
	return "electro_sync_" + clientID
}

// enqueueJob enqueues a window. A window without BeforeAt is completed to one Interval; a
// zero runAt means once the window has closed plus the consistency delay.
func (s *Pipeline) enqueueJob(ctx context.Context, tx *sql.Tx, w *SyncWindow, runAt time.Time) error {
	now := s.Clock.Now()

	if w.BeforeAt.IsZero() {
		if w.FromAt.IsZero() {
			// align the seed window to interval boundaries
			w.FromAt = now.Truncate(s.Interval).Add(-s.Interval)
		}
		w.BeforeAt = w.FromAt.Add(s.Interval)
	}

	if runAt.IsZero() {
		runAt = w.BeforeAt.Add(s.ConsistencyDelay)
	}
	if runAt.Before(now) {
		runAt = now
	}

	uniqueID := SyncUniqueID(w.ClientID)
	plan := que.Plan{
		Queue:           s.QueueName,
		Args:            que.Args(w),
		RunAt:           runAt,
		RetryPolicy:     *s.RetryPolicy,
		UniqueID:        &uniqueID,
		UniqueLifecycle: que.Lockable,
	}

	jobIDs, err := s.queue.Enqueue(ctx, tx, plan)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue job")
	}

	if len(jobIDs) != 1 {
		return errors.New("unexpected number of job IDs returned")
	}

	return nil
}

// isCircuitBreakerOpen reports whether too many windows failed in a row and the cooldown is still running
func (s *Pipeline) isCircuitBreakerOpen() bool {
	skipped := s.skippedCount.Load()
	if skipped < int64(s.CircuitBreakerThreshold) {
		return false
	}

	if lastSkipped, ok := s.lastSkippedAt.Load().(time.Time); ok {
		return s.Clock.Now().Before(lastSkipped.Add(s.CircuitBreakerCooldown))
	}

	return true
}

// recordSuccess closes the breaker
func (s *Pipeline) recordSuccess() {
	s.skippedCount.Store(0)
}

// recordSkipped increments skipped jobs counter and reports whether the threshold was reached
func (s *Pipeline) recordSkipped() bool {
	s.lastSkippedAt.Store(s.Clock.Now())
	metrics.IncSyncSkipped()
	return s.skippedCount.Add(1) >= int64(s.CircuitBreakerThreshold)
}

// ProcessResult represents the result of one sync window
type ProcessResult struct {
	RecordsInserted int
	// Unscheduled is set when the client no longer exists; its sync stops
	Unscheduled bool
	Error       error
}

// Process performs one sync window
func (s *Pipeline) Process(ctx context.Context, job que.Job) error {
	if s.isCircuitBreakerOpen() {
		logtracing.AppendSpanKVs(ctx, "circuit_breaker_open", true)
		return s.handleCircuitBreakerOpen(ctx, job)
	}

	var w SyncWindow
	if _, err := que.ParseArgs(job.Plan().Args, &w); err != nil {
		return errors.Wrap(err, "failed to parse SyncWindow from job args")
	}
	logtracing.AppendSpanKVs(ctx, "sync", jsonx.MustMarshalX[string](SyncSpan{
		ClientID: w.ClientID,
		Window:   w.String(),
		Attempt:  int(job.RetryCount()) + 1,
	}))

	result := s.doProcess(ctx, &w)
	if result.Error != nil {
		return s.handleFailure(ctx, job, &w, result)
	}

	return s.handleSuccess(ctx, job, &w, result)
}

// doProcess extracts and persists one window of one client
func (s *Pipeline) doProcess(ctx context.Context, w *SyncWindow) *ProcessResult {
	client, err := s.Service.Clients.Get(ctx, w.ClientID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return &ProcessResult{Unscheduled: true}
		}
		return &ProcessResult{Error: errors.Wrap(err, "failed to get client")}
	}

	ingested, err := s.Service.Ingest(ctx, client, &ExtractRequest{
		URL:      client.URL,
		Start:    w.FromAt,
		End:      w.BeforeAt,
		Interval: s.SampleInterval,
	})
	if err != nil {
		if KindOf(err) == KindInsufficientData {
			// device has nothing for this window yet, nothing to write
			return &ProcessResult{}
		}
		return &ProcessResult{Error: err}
	}

	return &ProcessResult{RecordsInserted: ingested.RecordsInserted}
}

// calculateCooldownRunAt is when a window postponed by the open breaker runs
func (s *Pipeline) calculateCooldownRunAt() time.Time {
	lastSkipped, ok := s.lastSkippedAt.Load().(time.Time)
	if !ok {
		panic("sync circuit breaker open without a failure time")
	}
	return lastSkipped.Add(s.CircuitBreakerCooldown)
}

// handleCircuitBreakerOpen postpones the job until the cooldown ends
func (s *Pipeline) handleCircuitBreakerOpen(ctx context.Context, job que.Job) error {
	var w SyncWindow
	if _, err := que.ParseArgs(job.Plan().Args, &w); err != nil {
		return errors.Wrap(err, "failed to parse window for circuit breaker handling")
	}

	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := job.Expire(ctx, errors.New("circuit breaker cooldown")); err != nil {
			return errors.Wrap(err, "failed to expire job during circuit breaker")
		}

		nextRunAt := s.calculateCooldownRunAt()
		if err := s.enqueueJob(ctx, tx, &w, nextRunAt); err != nil {
			return errors.Wrap(err, "failed to enqueue cooldown job")
		}

		logtracing.AppendSpanKVs(ctx,
			"cooldown_duration", s.CircuitBreakerCooldown.String(),
			"next_run_at", nextRunAt.Format(time.RFC3339),
		)

		return nil
	})
}

// handleFailure lets go-que retry the window; once retries are exhausted the job is expired and
// the window is merged into the next one, so no interval is skipped
func (s *Pipeline) handleFailure(ctx context.Context, job que.Job, w *SyncWindow, result *ProcessResult) error {
	_, hasMoreRetries := job.Plan().RetryPolicy.NextInterval(job.RetryCount())

	if hasMoreRetries {
		return result.Error
	}

	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := job.Expire(ctx, result.Error); err != nil {
			return errors.Wrap(err, "failed to expire job")
		}

		circuitBreakerOpened := s.recordSkipped()

		next := s.nextWindow(w, true)
		var nextRunAt time.Time
		if circuitBreakerOpened {
			nextRunAt = s.calculateCooldownRunAt()
		}

		if err := s.enqueueJob(ctx, tx, next, nextRunAt); err != nil {
			return errors.Wrap(err, "failed to enqueue next job after failure")
		}

		logtracing.AppendSpanKVs(ctx,
			"job_skipped", true,
			"error_kind", KindOf(result.Error),
			"process_error", fmt.Sprintf("%+v", result.Error),
			"next_window", next.String(),
			"circuit_breaker_opened", circuitBreakerOpened,
			"skipped_count", s.skippedCount.Load(),
		)

		if circuitBreakerOpened && s.Notifier != nil {
			s.Notifier.Notify(errors.New("sync pipeline circuit breaker opened"), nil, map[string]any{
				"circuit_breaker_opened": true,
				"skipped_count":          s.skippedCount.Load(),
				"client_id":              w.ClientID,
			})
		}

		return nil
	})
}

// handleSuccess completes the job and schedules the following window
func (s *Pipeline) handleSuccess(ctx context.Context, job que.Job, w *SyncWindow, result *ProcessResult) error {
	s.recordSuccess()
	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := job.Destroy(ctx); err != nil {
			return errors.Wrap(err, "failed to mark job as done")
		}

		if result.Unscheduled {
			logtracing.AppendSpanKVs(ctx, "client_unscheduled", true)
			return nil
		}

		if err := s.enqueueJob(ctx, tx, s.nextWindow(w, false), time.Time{}); err != nil {
			return errors.Wrap(err, "failed to enqueue next job")
		}

		logtracing.AppendSpanKVs(ctx,
			"job_completed", true,
			"records_inserted", result.RecordsInserted,
		)

		return nil
	})
}

// nextWindow returns the window after w. After a failure the next window also covers w,
// trimmed from the oldest end to MaxWindow.
func (s *Pipeline) nextWindow(w *SyncWindow, failed bool) *SyncWindow {
	next := &SyncWindow{
		ClientID: w.ClientID,
		FromAt:   w.BeforeAt,
		BeforeAt: w.BeforeAt.Add(s.Interval),
	}
	if failed {
		next.FromAt = w.FromAt
		if next.BeforeAt.Sub(next.FromAt) > s.MaxWindow {
			next.FromAt = next.BeforeAt.Add(-s.MaxWindow)
		}
	}
	return next
}
