// Package worker consumes queued conversion jobs and drives them through
// running to complete or failed, mirroring the showcase status at every
// transition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"showcase3d/internal/models"
)

type Store interface {
	ClaimJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, outputPath string) error
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error
	ShowcaseByID(ctx context.Context, id uuid.UUID) (*models.Showcase, error)
}

type Blobs interface {
	FetchUpload(ctx context.Context, key, dir string) (string, error)
	PutConverted(ctx context.Context, inputKey, localPath string) (string, error)
}

// Converter turns a CAD file into an STL. The real implementation shells
// out to an external tool; the geometry work is not this service's concern.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// Consumer is satisfied by *kafka.Reader.
type Consumer interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type Statuses interface {
	SetStatus(ctx context.Context, userID, showcaseID uuid.UUID, status models.ShowcaseStatus) error
}

type Worker struct {
	store          Store
	blobs          Blobs
	conv           Converter
	statuses       Statuses
	convertTimeout time.Duration
}

func New(store Store, blobs Blobs, conv Converter, statuses Statuses, convertTimeout time.Duration) *Worker {
	return &Worker{
		store:          store,
		blobs:          blobs,
		conv:           conv,
		statuses:       statuses,
		convertTimeout: convertTimeout,
	}
}

// Run reads job messages until ctx is canceled. A malformed or failed
// message is logged and skipped; the loop itself never dies.
func (w *Worker) Run(ctx context.Context, consumer Consumer) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("worker: read message: %v", err)
			continue
		}

		var jm models.JobMessage
		if err := json.Unmarshal(msg.Value, &jm); err != nil {
			log.Printf("worker: malformed message: %v", err)
			continue
		}

		if err := w.Process(ctx, jm); err != nil {
			log.Printf("worker: job %s: %v", jm.JobID, err)
		}
	}
}

// Process runs one conversion attempt. The claim transition is the
// dedup point: a redelivered message finds the job no longer queued and
// stops there.
func (w *Worker) Process(ctx context.Context, m models.JobMessage) error {
	const op = "worker.Process"

	job, err := w.store.ClaimJob(ctx, m.JobID)
	if errors.Is(err, models.ErrJobNotClaimable) {
		log.Printf("%s: job %s already claimed, skipping", op, m.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}

	w.cacheStatus(ctx, job.ShowcaseID, models.ShowcaseProcessing)

	dir, err := os.MkdirTemp("", "showcase3d-convert-*")
	if err != nil {
		return w.fail(ctx, job, fmt.Sprintf("temp dir: %v", err))
	}
	defer os.RemoveAll(dir)

	local, err := w.blobs.FetchUpload(ctx, m.InputPath, dir)
	if err != nil {
		return w.fail(ctx, job, fmt.Sprintf("fetch input: %v", err))
	}

	out := filepath.Join(dir, "output.stl")
	convCtx, cancel := context.WithTimeout(ctx, w.convertTimeout)
	err = w.conv.Convert(convCtx, local, out)
	cancel()
	if err != nil {
		return w.fail(ctx, job, err.Error())
	}

	outputKey, err := w.blobs.PutConverted(ctx, m.InputPath, out)
	if err != nil {
		return w.fail(ctx, job, fmt.Sprintf("store output: %v", err))
	}

	if err := w.store.CompleteJob(ctx, job.ID, outputKey); err != nil {
		return fmt.Errorf("%s: complete: %v", op, err)
	}
	w.cacheStatus(ctx, job.ShowcaseID, models.ShowcaseReady)
	return nil
}

func (w *Worker) fail(ctx context.Context, job *models.Job, reason string) error {
	const op = "worker.fail"

	if err := w.store.FailJob(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("%s: %v (original failure: %s)", op, err, reason)
	}
	w.cacheStatus(ctx, job.ShowcaseID, models.ShowcaseFailed)
	return fmt.Errorf("%s: job failed: %s", op, reason)
}

func (w *Worker) cacheStatus(ctx context.Context, showcaseID uuid.UUID, status models.ShowcaseStatus) {
	sc, err := w.store.ShowcaseByID(ctx, showcaseID)
	if err != nil {
		log.Printf("worker: cache status lookup: %v", err)
		return
	}
	if err := w.statuses.SetStatus(ctx, sc.UserID, sc.ID, status); err != nil {
		log.Printf("worker: cache status: %v", err)
	}
}
