package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pi-docket/ConvertX-CN/jobs"
	"github.com/pi-docket/ConvertX-CN/metrics"
	"github.com/pi-docket/ConvertX-CN/services"
)

var ErrSweepInProgress = errors.New("retention sweep already in progress")

type SweepResult struct {
	JobsRemoved int   `json:"jobsRemoved"`
	BytesFreed  int64 `json:"bytesFreed"`
	// Errors counts jobs whose files could not be removed. Their records
	// are gone regardless.
	Errors int `json:"errors"`
}

// Sweeper removes jobs older than the retention window together with their
// stored files.
type Sweeper struct {
	store   *jobs.Store
	storage services.Storage
	sinks   *services.Sinks
	maxAge  time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	running atomic.Bool
	cron    *cron.Cron
}

func NewSweeper(store *jobs.Store, storage services.Storage, sinks *services.Sinks, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		storage: storage,
		sinks:   sinks,
		maxAge:  maxAge,
		logger:  logger.With("component", "retention-sweeper"),
		tracer:  otel.Tracer("convertx-sweeper"),
		now:     time.Now,
	}
}

func (s *Sweeper) MaxAge() time.Duration { return s.maxAge }

// Sweep removes every job created more than maxAge ago, whatever its status.
// Only one sweep runs at a time; a concurrent call gets ErrSweepInProgress.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "worker.Sweep", trace.WithAttributes(
		attribute.String("retention.max_age", maxAge.String()),
	))
	defer span.End()

	var result SweepResult
	removed := s.store.RemoveOlderThan(s.now().Add(-maxAge))
	for _, job := range removed {
		freed, err := s.storage.RemoveJob(ctx, job.Owner, job.ID)
		if err != nil {
			result.Errors++
			s.logger.Warn("failed to remove job files", "job_id", job.ID, "owner", job.Owner, "error", err)
		}
		result.BytesFreed += freed
		s.sinks.Forget(ctx, job.ID)
	}
	result.JobsRemoved = len(removed)

	metrics.RetentionJobsRemoved.Add(float64(result.JobsRemoved))
	metrics.RetentionBytesFreed.Add(float64(result.BytesFreed))
	span.SetAttributes(
		attribute.Int("retention.jobs_removed", result.JobsRemoved),
		attribute.Int64("retention.bytes_freed", result.BytesFreed),
	)
	if result.JobsRemoved > 0 {
		s.logger.Info("retention sweep finished", "jobs_removed", result.JobsRemoved, "bytes_freed", result.BytesFreed, "errors", result.Errors)
	}
	return result, nil
}

// Start runs Sweep every interval until Stop.
func (s *Sweeper) Start(interval time.Duration) error {
	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.runScheduled); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "interval", interval, "max_age", s.maxAge)
	return nil
}

// Stop halts scheduling and returns a context done once a running sweep ends.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

func (s *Sweeper) runScheduled() {
	if _, err := s.Sweep(context.Background(), s.maxAge); err != nil {
		s.logger.Debug("scheduled sweep skipped", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
