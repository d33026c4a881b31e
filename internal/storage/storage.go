// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"showcase3d/internal/models"
	"showcase3d/internal/slug"
)

// slugAttempts bounds the unique-slug retry loop. Exhausting it fails the
// intake request with ErrSlugExhausted.
const slugAttempts = 5

type Storage struct {
	pool    *pgxpool.Pool
	db      *sql.DB // For migrations
	timeout time.Duration

	// insert performs the atomic showcase+job write. Production always
	// points at insertShowcaseWithJob; tests swap it to drive the slug
	// retry loop without a database.
	insert func(ctx context.Context, sc *models.Showcase, job *models.Job) error
}

func NewStorage(dsn string, queryTimeout time.Duration) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	s := &Storage{pool: pool, db: db, timeout: queryTimeout}
	s.insert = s.insertShowcaseWithJob
	return s, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// opCtx bounds every storage call; a tripped deadline surfaces as
// models.ErrStorageTimeout via wrapErr.
func (s *Storage) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, models.ErrStorageTimeout)
	}
	return fmt.Errorf("%s: %v", op, err)
}

// CreateShowcaseWithJob inserts one showcase row plus its single queued job
// in one transaction, so that readers can never observe a showcase without
// a job or vice versa. Slug collisions are retried with disambiguated
// candidates; the unique index on showcases.slug is the authority.
func (s *Storage) CreateShowcaseWithJob(ctx context.Context, userID uuid.UUID, title, inputPath string) (*models.Showcase, *models.Job, error) {
	const op = "storage.CreateShowcaseWithJob"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	base := slug.Make(title)
	now := time.Now().UTC()

	for attempt := 0; attempt < slugAttempts; attempt++ {
		sc := &models.Showcase{
			ID:         uuid.New(),
			UserID:     userID,
			Title:      title,
			Slug:       slug.Candidate(base, attempt),
			Visibility: models.VisibilityPrivate,
			Status:     models.ShowcaseUploaded,
			InputPath:  inputPath,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		job := &models.Job{
			ID:         uuid.New(),
			ShowcaseID: sc.ID,
			Status:     models.JobQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		err := s.insert(ctx, sc, job)
		if err == nil {
			return sc, job, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return nil, nil, wrapErr(op, err)
	}
	return nil, nil, fmt.Errorf("%s: %w", op, models.ErrSlugExhausted)
}

func (s *Storage) insertShowcaseWithJob(ctx context.Context, sc *models.Showcase, job *models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO showcases (id, user_id, title, slug, visibility, status, input_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sc.ID, sc.UserID, sc.Title, sc.Slug, sc.Visibility, sc.Status, sc.InputPath, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, showcase_id, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ShowcaseID, job.Status, job.AttemptCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const showcaseColumns = `id, user_id, title, slug, visibility, status, input_path, output_path, created_at, updated_at`

func scanShowcase(row pgx.Row) (*models.Showcase, error) {
	var sc models.Showcase
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Title, &sc.Slug, &sc.Visibility, &sc.Status,
		&sc.InputPath, &sc.OutputPath, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListShowcases returns the owner's showcases, newest first.
func (s *Storage) ListShowcases(ctx context.Context, userID uuid.UUID) ([]models.Showcase, error) {
	const op = "storage.ListShowcases"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+showcaseColumns+` FROM showcases WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []models.Showcase
	for rows.Next() {
		sc, err := scanShowcase(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}

// GetOwnedShowcase resolves a showcase by id, scoped to its owner. A row
// owned by someone else is indistinguishable from a missing one.
func (s *Storage) GetOwnedShowcase(ctx context.Context, userID, id uuid.UUID) (*models.Showcase, error) {
	const op = "storage.GetOwnedShowcase"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sc, err := scanShowcase(s.pool.QueryRow(ctx,
		`SELECT `+showcaseColumns+` FROM showcases WHERE id = $1 AND user_id = $2`,
		id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return sc, nil
}

// ShowcaseByID is the unscoped lookup used by the conversion worker's
// service identity. Request handlers must use the owner- or projection-
// scoped variants instead.
func (s *Storage) ShowcaseByID(ctx context.Context, id uuid.UUID) (*models.Showcase, error) {
	const op = "storage.ShowcaseByID"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sc, err := scanShowcase(s.pool.QueryRow(ctx,
		`SELECT `+showcaseColumns+` FROM showcases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return sc, nil
}

// GetPublicShowcase resolves a slug through the public_showcases view, so
// private rows come back as ErrNotFound regardless of their status.
func (s *Storage) GetPublicShowcase(ctx context.Context, slugStr string) (*models.PublicShowcase, error) {
	const op = "storage.GetPublicShowcase"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var p models.PublicShowcase
	err := s.pool.QueryRow(ctx,
		`SELECT slug, title, visibility, status, created_at, updated_at
		FROM public_showcases WHERE slug = $1`,
		slugStr).Scan(&p.Slug, &p.Title, &p.Visibility, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return &p, nil
}

// OutputPathBySlug returns the converted-artifact locator for a ready,
// non-private showcase. The path never leaves the server; it is only fed
// to the presigner.
func (s *Storage) OutputPathBySlug(ctx context.Context, slugStr string) (string, error) {
	const op = "storage.OutputPathBySlug"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var status models.ShowcaseStatus
	var path *string
	err := s.pool.QueryRow(ctx,
		`SELECT status, output_path FROM showcases
		WHERE slug = $1 AND visibility <> 'private'`,
		slugStr).Scan(&status, &path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return "", wrapErr(op, err)
	}
	// The projection read and this lookup are separate queries; a job may
	// have failed in between.
	if status != models.ShowcaseReady || path == nil {
		return "", fmt.Errorf("%s: %w", op, models.ErrNotReady)
	}
	return *path, nil
}

const jobColumns = `id, showcase_id, status, attempt_count, started_at, finished_at, error, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ShowcaseID, &j.Status, &j.AttemptCount,
		&j.StartedAt, &j.FinishedAt, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// LatestJob returns the most recent conversion attempt for a showcase.
func (s *Storage) LatestJob(ctx context.Context, showcaseID uuid.UUID) (*models.Job, error) {
	const op = "storage.LatestJob"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE showcase_id = $1 ORDER BY created_at DESC LIMIT 1`,
		showcaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return j, nil
}

// ClaimJob moves a job from queued to running and mirrors the showcase to
// processing in the same transaction. Only queued jobs can be claimed, so a
// redelivered queue message is a no-op (ErrJobNotClaimable) and at most one
// job per showcase is ever active.
func (s *Storage) ClaimJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	const op = "storage.ClaimJob"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs
		SET status = 'running', attempt_count = attempt_count + 1,
		    started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns,
		jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrJobNotClaimable)
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}

	if err := mirrorShowcase(ctx, tx, j); err != nil {
		return nil, wrapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr(op, err)
	}
	return j, nil
}

// CompleteJob finishes a running job and publishes the artifact: the job
// becomes complete and the showcase becomes ready with output_path set, in
// one transaction.
func (s *Storage) CompleteJob(ctx context.Context, jobID uuid.UUID, outputPath string) error {
	const op = "storage.CompleteJob"
	return s.finishJob(ctx, op, jobID, models.JobComplete, &outputPath, nil)
}

// FailJob finishes a running job with an error; output_path stays null.
func (s *Storage) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	const op = "storage.FailJob"
	return s.finishJob(ctx, op, jobID, models.JobFailed, nil, &errMsg)
}

func (s *Storage) finishJob(ctx context.Context, op string, jobID uuid.UUID, status models.JobStatus, outputPath, errMsg *string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(op, err)
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs
		SET status = $2, error = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobColumns,
		jobID, status, errMsg))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrJobNotClaimable)
	}
	if err != nil {
		return wrapErr(op, err)
	}

	if outputPath != nil {
		_, err = tx.Exec(ctx,
			`UPDATE showcases SET output_path = $2, updated_at = now() WHERE id = $1`,
			j.ShowcaseID, *outputPath)
		if err != nil {
			return wrapErr(op, err)
		}
	}
	if err := mirrorShowcase(ctx, tx, j); err != nil {
		return wrapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr(op, err)
	}
	return nil
}

// mirrorShowcase writes the mapped showcase status for a job's new state.
func mirrorShowcase(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	_, err := tx.Exec(ctx,
		`UPDATE showcases SET status = $2, updated_at = now() WHERE id = $1`,
		j.ShowcaseID, models.ShowcaseStatusFor(j.Status))
	return err
}

// SetVisibility lets the owner publish or hide a showcase. Slug and status
// are never touched here.
func (s *Storage) SetVisibility(ctx context.Context, userID, id uuid.UUID, v models.Visibility) error {
	const op = "storage.SetVisibility"

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE showcases SET visibility = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		id, userID, v)
	if err != nil {
		return wrapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}
