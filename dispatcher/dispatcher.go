// Package dispatcher turns validated submissions into queued conversion jobs
// and serves the owner-scoped reads the transport needs.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pi-docket/ConvertX-CN/engines"
	"github.com/pi-docket/ConvertX-CN/jobs"
	"github.com/pi-docket/ConvertX-CN/metrics"
	"github.com/pi-docket/ConvertX-CN/models"
	"github.com/pi-docket/ConvertX-CN/services"
)

// Queue schedules background execution of a Pending job.
type Queue interface {
	Enqueue(jobID string) error
}

type Submission struct {
	Owner        string
	Filename     string
	TargetFormat string
	// Engine pins the engine; empty lets the resolver choose.
	Engine  string
	Options json.RawMessage
	Body    io.Reader
}

// Receipt is returned once the upload is stored and the job is queued.
type Receipt struct {
	Job        models.ConversionJob
	UploadDir  string
	UploadPath string
}

type Dispatcher struct {
	resolver *engines.Resolver
	store    *jobs.Store
	storage  services.Storage
	queue    Queue
	sinks    *services.Sinks
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(resolver *engines.Resolver, store *jobs.Store, storage services.Storage, queue Queue, sinks *services.Sinks, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		store:    store,
		storage:  storage,
		queue:    queue,
		sinks:    sinks,
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer("convertx-dispatcher"),
	}
}

// SourceFormat derives the input format from the filename's trailing
// extension. A dotfile such as ".bashrc" has no extension.
func SourceFormat(filename string) (string, error) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	if ext == base {
		ext = ""
	}
	format := models.NormalizeFormat(ext)
	if format == "" {
		return "", &models.ValidationError{
			Reason:      "cannot determine format from filename",
			Suggestions: []string{},
		}
	}
	return format, nil
}

// Validate reports the engine that would serve from -> to without creating a job.
func (d *Dispatcher) Validate(from, to, preferred string) (string, error) {
	return d.resolver.Resolve(from, to, preferred)
}

// Submit validates the request, creates a Pending job, stores the upload and
// queues the job. It returns without waiting for the conversion. If storing
// or queueing fails the job is removed again.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Submit", trace.WithAttributes(
		attribute.String("job.owner", sub.Owner),
		attribute.String("job.filename", sub.Filename),
		attribute.String("job.target_format", sub.TargetFormat),
	))
	defer span.End()

	receipt, err := d.submit(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("job.id", receipt.Job.ID),
		attribute.String("job.engine", receipt.Job.EngineID),
	)
	return receipt, nil
}

func (d *Dispatcher) submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if models.NormalizeFormat(sub.TargetFormat) == "" {
		return nil, &models.ValidationError{Reason: "target format is required", Suggestions: []string{}}
	}
	if len(sub.Options) > 0 && !json.Valid(sub.Options) {
		return nil, &models.ValidationError{Reason: "options must be valid JSON", Suggestions: []string{}}
	}
	from, err := SourceFormat(sub.Filename)
	if err != nil {
		return nil, err
	}
	engineID, err := d.resolver.Resolve(from, sub.TargetFormat, sub.Engine)
	if err != nil {
		return nil, err
	}

	job := d.store.Create(sub.Owner, sub.Filename, from, sub.TargetFormat, engineID, sub.Options)
	logger := d.logger.With("job_id", job.ID, "owner", job.Owner, "engine", engineID)

	if _, err := d.storage.SaveUpload(ctx, job.Owner, job.ID, job.OriginalFilename, sub.Body); err != nil {
		d.rollback(ctx, job)
		logger.Error("failed to store upload", "error", err)
		return nil, err
	}
	if err := d.queue.Enqueue(job.ID); err != nil {
		d.rollback(ctx, job)
		logger.Warn("failed to queue job", "error", err)
		return nil, err
	}

	d.sinks.Record(ctx, job)
	metrics.JobsSubmittedTotal.WithLabelValues(engineID).Inc()
	logger.Info("job submitted", "source_format", job.SourceFormat, "target_format", job.TargetFormat)

	return &Receipt{
		Job:        job,
		UploadDir:  d.storage.UploadDir(job.Owner, job.ID),
		UploadPath: d.storage.UploadPath(job.Owner, job.ID, job.OriginalFilename),
	}, nil
}

func (d *Dispatcher) rollback(ctx context.Context, job models.ConversionJob) {
	d.store.Delete(job.ID, job.Owner)
	if _, err := d.storage.RemoveJob(context.WithoutCancel(ctx), job.Owner, job.ID); err != nil {
		d.logger.Warn("failed to clean up rolled back job", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) Get(id, owner string) (models.ConversionJob, error) {
	job, ok := d.store.GetOwned(id, owner)
	if !ok {
		return models.ConversionJob{}, models.ErrJobNotFound
	}
	return job, nil
}

// List returns the owner's jobs, oldest first.
func (d *Dispatcher) List(owner string) []models.ConversionJob {
	return d.store.ListOwned(owner)
}

// Delete removes an owned job and its files. A conversion still running for
// it finishes into the void; the worker cleans up what it wrote.
func (d *Dispatcher) Delete(ctx context.Context, id, owner string) error {
	job, ok := d.store.Delete(id, owner)
	if !ok {
		return models.ErrJobNotFound
	}
	if _, err := d.storage.RemoveJob(ctx, job.Owner, job.ID); err != nil {
		d.logger.Warn("failed to remove files of deleted job", "job_id", id, "error", err)
	}
	d.sinks.Forget(ctx, id)
	d.logger.Info("job deleted", "job_id", id, "owner", owner, "status", job.Status)
	return nil
}

// ResultPath is the stored location of a completed job's output.
func (d *Dispatcher) ResultPath(id, owner string) (string, error) {
	job, err := d.completedJob(id, owner)
	if err != nil {
		return "", err
	}
	return d.storage.OutputPath(job.Owner, job.ID, job.OutputFilename), nil
}

// OpenResult opens a completed job's output for reading. When the job exists
// but is not completed the job is still returned alongside ErrJobNotReady.
func (d *Dispatcher) OpenResult(ctx context.Context, id, owner string) (io.ReadCloser, models.ConversionJob, error) {
	job, err := d.completedJob(id, owner)
	if err != nil {
		return nil, job, err
	}
	rc, err := d.storage.OpenOutput(ctx, job.Owner, job.ID, job.OutputFilename)
	if err != nil {
		return nil, models.ConversionJob{}, err
	}
	return rc, job, nil
}

func (d *Dispatcher) completedJob(id, owner string) (models.ConversionJob, error) {
	job, ok := d.store.GetOwned(id, owner)
	if !ok {
		return models.ConversionJob{}, models.ErrJobNotFound
	}
	if job.Status != models.JobStatusCompleted {
		return job, models.ErrJobNotReady
	}
	return job, nil
}

// Stats returns job counts per status.
func (d *Dispatcher) Stats() map[models.JobStatus]int {
	return d.store.Counts()
}
