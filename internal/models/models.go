// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

type ShowcaseStatus string

const (
	ShowcaseUploaded   ShowcaseStatus = "uploaded"
	ShowcaseProcessing ShowcaseStatus = "processing"
	ShowcaseReady      ShowcaseStatus = "ready"
	ShowcaseFailed     ShowcaseStatus = "failed"
)

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Showcase is one uploaded CAD artifact and its public-facing record.
// OutputPath stays nil until a conversion job completes.
type Showcase struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	UserID     uuid.UUID      `db:"user_id" json:"-"`
	Title      string         `db:"title" json:"title"`
	Slug       string         `db:"slug" json:"slug"`
	Visibility Visibility     `db:"visibility" json:"visibility"`
	Status     ShowcaseStatus `db:"status" json:"status"`
	InputPath  string         `db:"input_path" json:"-"`
	OutputPath *string        `db:"output_path" json:"-"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// Job is one conversion attempt. Jobs are append-only history; the
// displayed showcase status derives from the most recent one.
type Job struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ShowcaseID   uuid.UUID  `db:"showcase_id" json:"showcase_id"`
	Status       JobStatus  `db:"status" json:"status"`
	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Error        *string    `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ShowcaseStatusFor maps a job status onto the showcase status column.
// Every component that transitions a job must write the mapped value onto
// the showcase in the same transaction.
func ShowcaseStatusFor(s JobStatus) ShowcaseStatus {
	switch s {
	case JobQueued, JobRunning:
		return ShowcaseProcessing
	case JobComplete:
		return ShowcaseReady
	case JobFailed:
		return ShowcaseFailed
	default:
		return ShowcaseUploaded
	}
}

// DisplayStatus maps a stored showcase status to the value shown to
// readers. A freshly uploaded showcase already has a queued job, so it
// presents as processing; every other status passes through.
func DisplayStatus(s ShowcaseStatus) ShowcaseStatus {
	if s == ShowcaseUploaded {
		return ShowcaseProcessing
	}
	return s
}

// PublicShowcase is the restricted projection served to anonymous readers.
// It carries no owner id and no storage paths.
type PublicShowcase struct {
	Slug       string         `db:"slug" json:"slug"`
	Title      string         `db:"title" json:"title"`
	Visibility Visibility     `db:"visibility" json:"visibility"`
	Status     ShowcaseStatus `db:"status" json:"status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// JobMessage is the kafka payload published at intake and consumed by the
// conversion worker.
type JobMessage struct {
	JobID      uuid.UUID `json:"job_id"`
	ShowcaseID uuid.UUID `json:"showcase_id"`
	InputPath  string    `json:"input_path"`
}
