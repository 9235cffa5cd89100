package services

import (
	"context"
	"log/slog"

	"github.com/pi-docket/ConvertX-CN/models"
)

// JobSink receives a copy of every job state the store accepts. Sinks are
// mirrors only; the in-memory store stays the source of truth.
type JobSink interface {
	RecordJob(ctx context.Context, job models.ConversionJob) error
	ForgetJob(ctx context.Context, jobID string) error
}

// Sinks fans job updates out to every configured sink. Failures are logged
// and never reach the caller. A nil *Sinks does nothing.
type Sinks struct {
	sinks  []JobSink
	logger *slog.Logger
}

func NewSinks(logger *slog.Logger, sinks ...JobSink) *Sinks {
	return &Sinks{sinks: sinks, logger: logger.With("component", "job-sinks")}
}

func (s *Sinks) Record(ctx context.Context, job models.ConversionJob) {
	if s == nil {
		return
	}
	for _, sink := range s.sinks {
		if err := sink.RecordJob(ctx, job); err != nil {
			s.logger.Warn("failed to record job", "job_id", job.ID, "status", job.Status, "error", err)
		}
	}
}

func (s *Sinks) Forget(ctx context.Context, jobID string) {
	if s == nil {
		return
	}
	for _, sink := range s.sinks {
		if err := sink.ForgetJob(ctx, jobID); err != nil {
			s.logger.Warn("failed to forget job", "job_id", jobID, "error", err)
		}
	}
}
