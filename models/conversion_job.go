package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type ConversionJob struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	OriginalFilename string          `json:"originalFilename"`
	SourceFormat     string          `json:"sourceFormat"`
	TargetFormat     string          `json:"targetFormat"`
	EngineID         string          `json:"engine"`
	Status           JobStatus       `json:"status"`
	Progress         int             `json:"progress"`
	OutputFilename   string          `json:"outputFilename,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	Options          json.RawMessage `json:"options,omitempty"`
}

// Clone returns a deep copy that shares no memory with j.
func (j ConversionJob) Clone() ConversionJob {
	c := j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Options != nil {
		c.Options = append(json.RawMessage(nil), j.Options...)
	}
	return c
}
