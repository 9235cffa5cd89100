package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pi-docket/ConvertX-CN/jobs"
	"github.com/pi-docket/ConvertX-CN/metrics"
	"github.com/pi-docket/ConvertX-CN/models"
	"github.com/pi-docket/ConvertX-CN/services"
)

// ErrPoolStopped is returned by Enqueue once shutdown has begun.
var ErrPoolStopped = errors.New("worker pool is stopped")

const shutdownMessage = "conversion cancelled: service shutting down"

// Converter performs the actual conversion. services.BackendService is the
// production implementation.
type Converter interface {
	Convert(ctx context.Context, req services.ConvertRequest) (io.ReadCloser, error)
}

type PoolConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single conversion, from opening the upload to saving
	// the output.
	Timeout time.Duration
}

// Pool runs submitted jobs on a fixed number of goroutines fed by a bounded
// queue. Each job gets exactly one attempt.
type Pool struct {
	cfg       PoolConfig
	store     *jobs.Store
	storage   services.Storage
	converter Converter
	sinks     *services.Sinks
	logger    *slog.Logger
	tracer    trace.Tracer

	queue chan string
	quit  chan struct{}

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg PoolConfig, store *jobs.Store, storage services.Storage, converter Converter, sinks *services.Sinks, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Pool{
		cfg:       cfg,
		store:     store,
		storage:   storage,
		converter: converter,
		sinks:     sinks,
		logger:    logger.With("component", "worker-pool"),
		tracer:    otel.Tracer("convertx-worker"),
		queue:     make(chan string, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Enqueue hands a Pending job to the pool without blocking. It fails with
// models.ErrQueueFull when every slot is taken.
func (p *Pool) Enqueue(jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.queue <- jobID:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return models.ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx aborts in-flight conversions;
// use Stop for a graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}
	p.logger.Info("started conversion workers", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker starting")

	for {
		// Shutdown wins over a non-empty queue.
		select {
		case <-p.quit:
			logger.Debug("worker shutting down")
			return
		case <-ctx.Done():
			logger.Debug("worker shutting down")
			return
		default:
		}

		select {
		case <-p.quit:
			logger.Debug("worker shutting down")
			return
		case <-ctx.Done():
			logger.Debug("worker shutting down")
			return
		case jobID := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.processJob(ctx, workerID, jobID)
		}
	}
}

// Stop refuses new jobs, lets running conversions finish until ctx expires,
// then cancels whatever is still running. Jobs still queued are failed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("shutdown deadline reached, cancelling in-flight conversions")
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}

	p.drain()
	p.logger.Info("all workers stopped")
	return err
}

func (p *Pool) drain() {
	ctx := context.Background()
	for {
		select {
		case jobID := <-p.queue:
			if job, ok := p.store.Fail(jobID, shutdownMessage); ok {
				p.sinks.Record(ctx, job)
				metrics.JobsFinishedTotal.WithLabelValues(job.EngineID, string(models.JobStatusFailed)).Inc()
			}
		default:
			metrics.QueueDepth.Set(0)
			return
		}
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, jobID string) {
	logger := p.logger.With("worker_id", workerID, "job_id", jobID)

	job, ok := p.store.SetProcessing(jobID)
	if !ok {
		logger.Info("job is no longer pending, skipping")
		return
	}
	logger = logger.With("owner", job.Owner, "engine", job.EngineID)
	logger.Info("processing conversion", "file", job.OriginalFilename, "target", job.TargetFormat)

	// Bookkeeping must still happen after the execution context is cancelled.
	bg := context.WithoutCancel(ctx)
	p.sinks.Record(bg, job)

	ctx, span := p.tracer.Start(ctx, "worker.processJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.engine", job.EngineID),
		attribute.String("job.source_format", job.SourceFormat),
		attribute.String("job.target_format", job.TargetFormat),
		attribute.Int("worker.id", workerID),
	))
	defer span.End()

	timeoutCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	startTime := time.Now()
	p.setProgress(bg, jobID, 10)

	input, err := p.storage.OpenUpload(timeoutCtx, job.Owner, job.ID, job.OriginalFilename)
	if err != nil {
		p.handleJobFailure(bg, logger, span, job, startTime, err)
		return
	}

	output, err := p.converter.Convert(timeoutCtx, services.ConvertRequest{
		Filename:     job.OriginalFilename,
		Body:         input,
		TargetFormat: job.TargetFormat,
		Engine:       job.EngineID,
		Options:      job.Options,
	})
	input.Close()
	if err != nil {
		p.handleJobFailure(bg, logger, span, job, startTime, err)
		return
	}
	p.setProgress(bg, jobID, 90)

	outputName := OutputFilename(job.OriginalFilename, job.TargetFormat)
	size, err := p.storage.SaveOutput(timeoutCtx, job.Owner, job.ID, outputName, output)
	output.Close()
	if err != nil {
		p.handleJobFailure(bg, logger, span, job, startTime, err)
		return
	}

	done, ok := p.store.Complete(jobID, outputName)
	if !ok {
		p.discard(bg, logger, job)
		return
	}
	p.sinks.Record(bg, done)

	duration := time.Since(startTime)
	metrics.JobsFinishedTotal.WithLabelValues(job.EngineID, string(models.JobStatusCompleted)).Inc()
	metrics.ConversionDuration.WithLabelValues(job.EngineID).Observe(duration.Seconds())
	span.SetAttributes(attribute.Int64("job.output_bytes", size))
	logger.Info("conversion completed", "output", outputName, "bytes", size, "duration", duration)
}

func (p *Pool) setProgress(ctx context.Context, jobID string, progress int) {
	if job, ok := p.store.SetProgress(jobID, progress); ok {
		p.sinks.Record(ctx, job)
	}
}

func (p *Pool) handleJobFailure(ctx context.Context, logger *slog.Logger, span trace.Span, job models.ConversionJob, startTime time.Time, err error) {
	msg := p.failureMessage(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)

	failed, ok := p.store.Fail(job.ID, msg)
	if !ok {
		p.discard(ctx, logger, job)
		return
	}
	p.sinks.Record(ctx, failed)

	metrics.JobsFinishedTotal.WithLabelValues(job.EngineID, string(models.JobStatusFailed)).Inc()
	metrics.ConversionDuration.WithLabelValues(job.EngineID).Observe(time.Since(startTime).Seconds())
	logger.Error("conversion failed", "error", err)
}

func (p *Pool) failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("conversion timed out after %s", p.cfg.Timeout)
	case errors.Is(err, context.Canceled):
		return shutdownMessage
	}
	return err.Error()
}

// discard handles a terminal transition that did not apply. When the job was
// deleted or swept mid-flight, anything this worker wrote is removed.
func (p *Pool) discard(ctx context.Context, logger *slog.Logger, job models.ConversionJob) {
	if _, exists := p.store.Get(job.ID); exists {
		logger.Warn("job already terminal, result dropped")
		return
	}
	if _, err := p.storage.RemoveJob(ctx, job.Owner, job.ID); err != nil {
		logger.Warn("failed to remove files of deleted job", "error", err)
		return
	}
	logger.Info("job removed during conversion, output discarded")
}

// OutputFilename names the converted file after the source stem.
func OutputFilename(filename, targetFormat string) string {
	base := filepath.Base(filepath.Clean("/" + filename))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "/" || stem == "." {
		stem = "output"
	}
	return stem + "." + models.NormalizeFormat(targetFormat)
}
