// Package jobs is the in-memory, concurrency-safe registry of conversion jobs.
package jobs

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pi-docket/ConvertX-CN/models"
)

// Store owns every job record. All reads hand out deep copies and every
// mutation happens under one write lock, so a reader never sees a job with
// some fields from before a transition and some from after.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*models.ConversionJob
	byOwner map[string]map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

// WithClock overrides the time source. Tests use it to age jobs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[string]*models.ConversionJob),
		byOwner: make(map[string]map[string]struct{}),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "job-store")
	return s
}

// Create registers a new Pending job and returns a copy of it.
func (s *Store) Create(owner, filename, from, to, engineID string, options json.RawMessage) models.ConversionJob {
	now := s.now().UTC()
	job := &models.ConversionJob{
		ID:               s.newID(),
		Owner:            owner,
		OriginalFilename: filename,
		SourceFormat:     models.NormalizeFormat(from),
		TargetFormat:     models.NormalizeFormat(to),
		EngineID:         engineID,
		Status:           models.JobStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(options) > 0 {
		job.Options = append(json.RawMessage(nil), options...)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	owned, ok := s.byOwner[owner]
	if !ok {
		owned = make(map[string]struct{})
		s.byOwner[owner] = owned
	}
	owned[job.ID] = struct{}{}
	s.mu.Unlock()

	return job.Clone()
}

func (s *Store) Get(id string) (models.ConversionJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ConversionJob{}, false
	}
	return job.Clone(), true
}

// GetOwned returns the job only when it belongs to owner. A job owned by
// someone else is reported exactly like a missing one.
func (s *Store) GetOwned(id, owner string) (models.ConversionJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok || job.Owner != owner {
		return models.ConversionJob{}, false
	}
	return job.Clone(), true
}

// ListOwned returns owner's jobs, oldest first.
func (s *Store) ListOwned(owner string) []models.ConversionJob {
	s.mu.RLock()
	out := make([]models.ConversionJob, 0, len(s.byOwner[owner]))
	for id := range s.byOwner[owner] {
		if job, ok := s.jobs[id]; ok {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.ConversionJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// SetProcessing moves a Pending job to Processing.
func (s *Store) SetProcessing(id string) (models.ConversionJob, bool) {
	return s.mutate(id, "set_processing", func(job *models.ConversionJob, now time.Time) bool {
		if job.Status != models.JobStatusPending {
			return false
		}
		job.Status = models.JobStatusProcessing
		return true
	})
}

// SetProgress records progress for a Processing job. Values are clamped to
// 0..100 and a value below the current one is ignored.
func (s *Store) SetProgress(id string, progress int) (models.ConversionJob, bool) {
	progress = min(max(progress, 0), 100)
	return s.mutate(id, "set_progress", func(job *models.ConversionJob, now time.Time) bool {
		if job.Status != models.JobStatusProcessing || progress < job.Progress {
			return false
		}
		job.Progress = progress
		return true
	})
}

// Complete marks a non-terminal job Completed with the produced file name.
func (s *Store) Complete(id, outputFilename string) (models.ConversionJob, bool) {
	return s.mutate(id, "complete", func(job *models.ConversionJob, now time.Time) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = models.JobStatusCompleted
		job.Progress = 100
		job.OutputFilename = outputFilename
		job.CompletedAt = &now
		return true
	})
}

// Fail marks a non-terminal job Failed.
func (s *Store) Fail(id, message string) (models.ConversionJob, bool) {
	return s.mutate(id, "fail", func(job *models.ConversionJob, now time.Time) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = models.JobStatusFailed
		job.ErrorMessage = message
		job.CompletedAt = &now
		return true
	})
}

func (s *Store) mutate(id, op string, apply func(*models.ConversionJob, time.Time) bool) (models.ConversionJob, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("mutation on missing job ignored", "job_id", id, "op", op)
		return models.ConversionJob{}, false
	}
	now := s.now().UTC()
	if !apply(job, now) {
		status := job.Status
		snapshot := job.Clone()
		s.mu.Unlock()
		s.logger.Debug("mutation ignored", "job_id", id, "op", op, "status", status)
		return snapshot, false
	}
	job.UpdatedAt = now
	snapshot := job.Clone()
	s.mu.Unlock()
	return snapshot, true
}

// Delete removes the job when owner matches. The record and its owner index
// entry go away together.
func (s *Store) Delete(id, owner string) (models.ConversionJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Owner != owner {
		return models.ConversionJob{}, false
	}
	s.removeLocked(job)
	return job.Clone(), true
}

// RemoveOlderThan removes every job created before cutoff, whatever its
// status, and returns what was removed.
func (s *Store) RemoveOlderThan(cutoff time.Time) []models.ConversionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []models.ConversionJob
	for _, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			removed = append(removed, job.Clone())
			s.removeLocked(job)
		}
	}
	return removed
}

func (s *Store) removeLocked(job *models.ConversionJob) {
	delete(s.jobs, job.ID)
	if owned, ok := s.byOwner[job.Owner]; ok {
		delete(owned, job.ID)
		if len(owned) == 0 {
			delete(s.byOwner, job.Owner)
		}
	}
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[models.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[models.JobStatus]int{
		models.JobStatusPending:    0,
		models.JobStatusProcessing: 0,
		models.JobStatusCompleted:  0,
		models.JobStatusFailed:     0,
	}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
