package models

import (
	"time"
)

// Status enumerates the lifecycle states of a generation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the record kept in the status store for a single generation.
type Job struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      Status         `json:"status"`
	Stage       string         `json:"stage,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	ExternalRef string         `json:"external_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Redacted strips fields that callers never need (input echo and vendor IDs).
func (j Job) Redacted() Job {
	j.Input = nil
	j.ExternalRef = ""
	return j
}

// Stream names an append-only log kept next to a job record.
type Stream string

const (
	StreamStatus   Stream = "status"
	StreamThinking Stream = "thinking"
	StreamCode     Stream = "code"
	StreamImage    Stream = "image"
)

// LogEntry is one line of the status stream.
type LogEntry struct {
	Message string    `json:"message"`
	Stage   string    `json:"stage,omitempty"`
	At      time.Time `json:"at"`
}

// UpdateView is the polling snapshot returned to clients.
type UpdateView struct {
	Status         Status     `json:"status"`
	Stage          string     `json:"stage,omitempty"`
	Progress       float64    `json:"progress,omitempty"`
	StatusLog      []LogEntry `json:"status_log"`
	LatestThinking string     `json:"latest_thinking,omitempty"`
	LatestCode     string     `json:"latest_code,omitempty"`
	LatestImage    string     `json:"latest_image,omitempty"`
	IsComplete     bool       `json:"is_complete"`
}

// AuditLog is an archived lifecycle event.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
