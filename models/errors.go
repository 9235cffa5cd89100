package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound covers both unknown jobs and jobs owned by another caller.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotReady is returned when a result is requested before completion.
	ErrJobNotReady = errors.New("job not completed")
	// ErrEngineNotFound is returned by engine lookups on unknown ids.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrQueueFull is returned when the worker queue cannot take another job.
	ErrQueueFull = errors.New("conversion queue is full")
)

// ValidationError rejects a request before any job exists. Suggestions lists
// engine ids or formats the caller could use instead.
type ValidationError struct {
	Reason      string
	Suggestions []string
}

func (e *ValidationError) Error() string {
	if len(e.Suggestions) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (suggestions: %s)", e.Reason, strings.Join(e.Suggestions, ", "))
}

// BackendError reports a failed call to the external conversion backend.
// StatusCode is zero when no response was received.
type BackendError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("backend request failed: %v", e.Err)
	default:
		return "backend request failed: " + e.Message
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// StorageError wraps an I/O failure in the file layer.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
