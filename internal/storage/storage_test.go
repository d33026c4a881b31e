package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"showcase3d/internal/models"
)

// collisionStore fakes the atomic insert so the slug retry loop can be
// driven without a database: the first n inserts fail with a unique
// violation on the slug index.
func collisionStore(n int) (*Storage, *[]string) {
	slugs := &[]string{}
	s := &Storage{timeout: time.Second}
	s.insert = func(_ context.Context, sc *models.Showcase, _ *models.Job) error {
		*slugs = append(*slugs, sc.Slug)
		if len(*slugs) <= n {
			return &pgconn.PgError{Code: "23505", ConstraintName: "showcases_slug_key"}
		}
		return nil
	}
	return s, slugs
}

func TestCreateShowcaseWithJobRetriesSlugCollision(t *testing.T) {
	s, slugs := collisionStore(1)

	sc, job, err := s.CreateShowcaseWithJob(context.Background(), uuid.New(), "Bracket", "user/bracket.step")
	if err != nil {
		t.Fatalf("CreateShowcaseWithJob: %v", err)
	}
	if got := *slugs; len(got) != 2 || got[0] != "bracket" {
		t.Fatalf("attempted slugs = %v, want [bracket bracket-2]", got)
	}
	if sc.Slug != "bracket-2" {
		t.Errorf("slug = %q, want bracket-2", sc.Slug)
	}
	if job.ShowcaseID != sc.ID {
		t.Errorf("job showcase = %s, want %s", job.ShowcaseID, sc.ID)
	}
	if job.Status != models.JobQueued {
		t.Errorf("job status = %q, want queued", job.Status)
	}
}

func TestCreateShowcaseWithJobSlugExhausted(t *testing.T) {
	s, slugs := collisionStore(slugAttempts)

	sc, job, err := s.CreateShowcaseWithJob(context.Background(), uuid.New(), "Bracket", "user/bracket.step")
	if !errors.Is(err, models.ErrSlugExhausted) {
		t.Fatalf("err = %v, want ErrSlugExhausted", err)
	}
	if sc != nil || job != nil {
		t.Fatalf("exhausted create returned sc=%v job=%v, want nil", sc, job)
	}

	got := *slugs
	if len(got) != slugAttempts {
		t.Fatalf("attempts = %d, want %d", len(got), slugAttempts)
	}
	want := []string{"bracket", "bracket-2", "bracket-3", "bracket-4"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("attempt %d slug = %q, want %q", i, got[i], w)
		}
	}
	if !strings.HasPrefix(got[4], "bracket-") || len(got[4]) != len("bracket-")+8 {
		t.Errorf("final attempt slug = %q, want random 8-char suffix", got[4])
	}
}

func TestCreateShowcaseWithJobStopsOnOtherErrors(t *testing.T) {
	s := &Storage{timeout: time.Second}
	calls := 0
	s.insert = func(context.Context, *models.Showcase, *models.Job) error {
		calls++
		return errors.New("connection refused")
	}

	_, _, err := s.CreateShowcaseWithJob(context.Background(), uuid.New(), "Bracket", "user/bracket.step")
	if err == nil || errors.Is(err, models.ErrSlugExhausted) {
		t.Fatalf("err = %v, want plain insert failure", err)
	}
	if calls != 1 {
		t.Fatalf("insert calls = %d, want 1 (no retry on non-unique errors)", calls)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "showcases_slug_key"}
	if !isUniqueViolation(dup) {
		t.Error("23505 should be a unique violation")
	}
	if !isUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Error("plain error is not a unique violation")
	}
}

func TestWrapErrSurfacesStorageTimeout(t *testing.T) {
	err := wrapErr("storage.ListShowcases", context.DeadlineExceeded)
	if !errors.Is(err, models.ErrStorageTimeout) {
		t.Fatalf("deadline error = %v, want ErrStorageTimeout", err)
	}

	err = wrapErr("storage.ListShowcases", errors.New("boom"))
	if errors.Is(err, models.ErrStorageTimeout) {
		t.Fatalf("non-deadline error mapped to ErrStorageTimeout: %v", err)
	}
}
