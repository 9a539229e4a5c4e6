package domain

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// IsTerminal reports whether the status ends a run of the remux process.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// IsIdle reports whether a job in this status is eligible for the retention sweep.
func (s JobStatus) IsIdle() bool {
	return s.IsTerminal() || s == JobStatusPaused
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidState  = errors.New("invalid job state")
	ErrInvalidSource = errors.New("invalid source url")
	ErrUnsupported   = errors.New("remux not supported in this environment")
)

// Job is the serializable snapshot of a remux download job.
type Job struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	SourceURL       string    `json:"sourceUrl"`
	FileName        string    `json:"fileName"`
	OutputPath      string    `json:"outputPath"`
	Status          JobStatus `json:"status"`
	Progress        float64   `json:"progress"`
	Speed           string    `json:"speed"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	DurationSeconds *float64  `json:"durationSeconds"`
	Error           string    `json:"error,omitempty"`
	RemoteLocation  string    `json:"remoteLocation,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with j.
func (j Job) Clone() Job {
	if j.DurationSeconds != nil {
		d := *j.DurationSeconds
		j.DurationSeconds = &d
	}
	return j
}
