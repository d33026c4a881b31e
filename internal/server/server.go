package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"showcase3d/internal/models"
)

// Server-side upload policy. The web client enforces the same limits, but
// only these checks are a security boundary.
const maxUploadBytes = 50 << 20

var allowedExts = map[string]bool{
	".step": true,
	".stp":  true,
	".obj":  true,
	".stl":  true,
}

const maxTitleLen = 120

type Store interface {
	CreateShowcaseWithJob(ctx context.Context, userID uuid.UUID, title, inputPath string) (*models.Showcase, *models.Job, error)
	ListShowcases(ctx context.Context, userID uuid.UUID) ([]models.Showcase, error)
	GetOwnedShowcase(ctx context.Context, userID, id uuid.UUID) (*models.Showcase, error)
	LatestJob(ctx context.Context, showcaseID uuid.UUID) (*models.Job, error)
	GetPublicShowcase(ctx context.Context, slug string) (*models.PublicShowcase, error)
	OutputPathBySlug(ctx context.Context, slug string) (string, error)
	SetVisibility(ctx context.Context, userID, id uuid.UUID, v models.Visibility) error
}

type Blobs interface {
	PutUpload(ctx context.Context, userID uuid.UUID, ext string, r io.Reader, size int64) (string, error)
	PresignConverted(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Publisher is satisfied by *kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Statuses interface {
	SetStatus(ctx context.Context, userID, showcaseID uuid.UUID, status models.ShowcaseStatus) error
	GetStatus(ctx context.Context, userID, showcaseID uuid.UUID) (models.ShowcaseStatus, bool)
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	db       Store
	blobs    Blobs
	producer Publisher
	statuses Statuses
	srv      *http.Server
}

func NewServer(cfg *models.Config, db Store, blobs Blobs, producer Publisher, statuses Statuses, extra ...gin.HandlerFunc) *Server {
	r := gin.Default()
	r.MaxMultipartMemory = maxUploadBytes

	s := &Server{cfg: cfg, router: r, db: db, blobs: blobs, producer: producer, statuses: statuses}

	// Public viewer route: anonymous, projection-only.
	r.GET("/s/:slug", s.handleViewShowcase)

	api := r.Group("/api/v1")
	api.Use(JWTAuthMiddleware(cfg.JWTSecret))
	api.Use(extra...)
	{
		api.POST("/showcases", s.handleCreateShowcase)
		api.GET("/showcases", s.handleListShowcases)
		api.GET("/showcases/:id/status", s.handleShowcaseStatus)
		api.GET("/showcases/:id/job", s.handleLatestJob)
		api.PATCH("/showcases/:id/visibility", s.handleSetVisibility)
	}

	return s
}

func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.cfg.ServerAddr, Handler: s.router}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// validateUpload re-checks everything the browser already checked; client
// validation is a UX hint, not a boundary.
func validateUpload(title, filename string, size int64) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.NewValidationError("title", "must not be empty")
	}
	if len(title) > maxTitleLen {
		return models.NewValidationError("title", fmt.Sprintf("longer than %d characters", maxTitleLen))
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExts[ext] {
		return models.NewValidationError("file", "unsupported extension "+ext)
	}
	if size <= 0 {
		return models.NewValidationError("file", "empty file")
	}
	if size > maxUploadBytes {
		return models.NewValidationError("file", fmt.Sprintf("larger than %d bytes", int64(maxUploadBytes)))
	}
	return nil
}

func (s *Server) handleCreateShowcase(c *gin.Context) {
	const op = "server.handleCreateShowcase"

	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	title := c.PostForm("title")
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}

	if err := validateUpload(title, file.Filename, file.Size); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	ext := strings.ToLower(filepath.Ext(file.Filename))

	inputPath, err := s.blobs.PutUpload(ctx, userID, ext, src, file.Size)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
		return
	}

	sc, job, err := s.db.CreateShowcaseWithJob(ctx, userID, strings.TrimSpace(title), inputPath)
	if err != nil {
		s.respondError(c, op, err)
		return
	}

	msg, err := marshalJobMessage(models.JobMessage{
		JobID:      job.ID,
		ShowcaseID: sc.ID,
		InputPath:  inputPath,
	})
	if err != nil {
		log.Printf("%s: encode job message for %s: %v", op, job.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if err := s.publishWithRetry(ctx, msg); err != nil {
		// The queued row is committed; the request fails loudly but the
		// job is safe to re-publish by an operator.
		log.Printf("%s: publish failed for job %s: %v", op, job.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to enqueue conversion"})
		return
	}

	if err := s.statuses.SetStatus(ctx, userID, sc.ID, sc.Status); err != nil {
		log.Printf("%s: status cache: %v", op, err)
	}

	c.JSON(http.StatusCreated, gin.H{"id": sc.ID, "slug": sc.Slug, "status": models.DisplayStatus(sc.Status)})
}

func (s *Server) handleListShowcases(c *gin.Context) {
	const op = "server.handleListShowcases"

	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	list, err := s.db.ListShowcases(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, op, err)
		return
	}
	for i := range list {
		list[i].Status = models.DisplayStatus(list[i].Status)
	}
	c.JSON(http.StatusOK, gin.H{"showcases": list})
}

func (s *Server) handleShowcaseStatus(c *gin.Context) {
	const op = "server.handleShowcaseStatus"

	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()
	if status, ok := s.statuses.GetStatus(ctx, userID, id); ok {
		c.JSON(http.StatusOK, gin.H{"id": id, "status": models.DisplayStatus(status)})
		return
	}

	sc, err := s.db.GetOwnedShowcase(ctx, userID, id)
	if err != nil {
		s.respondError(c, op, err)
		return
	}
	if err := s.statuses.SetStatus(ctx, userID, sc.ID, sc.Status); err != nil {
		log.Printf("%s: status cache: %v", op, err)
	}
	c.JSON(http.StatusOK, gin.H{"id": sc.ID, "status": models.DisplayStatus(sc.Status)})
}

// handleLatestJob returns the most recent conversion attempt for one of
// the caller's own showcases, including any failure text.
func (s *Server) handleLatestJob(c *gin.Context) {
	const op = "server.handleLatestJob"

	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()
	// Ownership gate first; job rows carry no user id of their own.
	if _, err := s.db.GetOwnedShowcase(ctx, userID, id); err != nil {
		s.respondError(c, op, err)
		return
	}

	job, err := s.db.LatestJob(ctx, id)
	if err != nil {
		s.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleSetVisibility(c *gin.Context) {
	const op = "server.handleSetVisibility"

	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var body struct {
		Visibility models.Visibility `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	switch body.Visibility {
	case models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityPrivate:
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid visibility"})
		return
	}

	if err := s.db.SetVisibility(c.Request.Context(), userID, id, body.Visibility); err != nil {
		s.respondError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleViewShowcase serves the public projection. Non-ready rows get a
// status-only body; ready rows additionally get a short-lived artifact URL.
// Private rows are not found, never "not ready".
func (s *Server) handleViewShowcase(c *gin.Context) {
	const op = "server.handleViewShowcase"

	ctx := c.Request.Context()
	slug := c.Param("slug")

	p, err := s.db.GetPublicShowcase(ctx, slug)
	if err != nil {
		s.respondError(c, op, err)
		return
	}

	if p.Status != models.ShowcaseReady {
		c.JSON(http.StatusOK, gin.H{"slug": p.Slug, "title": p.Title, "status": models.DisplayStatus(p.Status)})
		return
	}

	outputPath, err := s.db.OutputPathBySlug(ctx, slug)
	if errors.Is(err, models.ErrNotReady) {
		// The showcase regressed (e.g. a new job failed) between the two
		// reads. Re-read so the body never claims ready without an
		// artifact; if the re-read races again, report processing.
		status := models.ShowcaseProcessing
		if fresh, ferr := s.db.GetPublicShowcase(ctx, slug); ferr == nil && fresh.Status != models.ShowcaseReady {
			status = models.DisplayStatus(fresh.Status)
		}
		c.JSON(http.StatusOK, gin.H{"slug": p.Slug, "title": p.Title, "status": status})
		return
	}
	if err != nil {
		s.respondError(c, op, err)
		return
	}

	artifactURL, err := s.blobs.PresignConverted(ctx, outputPath, s.cfg.SignedURLTTL.Std())
	if err != nil {
		log.Printf("%s: presign: %v", op, err)
		c.JSON(http.StatusBadGateway, gin.H{
			"slug":   p.Slug,
			"title":  p.Title,
			"status": p.Status,
			"error":  "failed to load artifact",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slug":         p.Slug,
		"title":        p.Title,
		"status":       p.Status,
		"artifact_url": artifactURL,
		"expires_in":   int(s.cfg.SignedURLTTL.Std().Seconds()),
	})
}

func (s *Server) respondError(c *gin.Context, op string, err error) {
	switch {
	case models.IsValidation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrSlugExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "could not assign a unique slug, try another title"})
	case errors.Is(err, models.ErrStorageTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "storage timeout"})
	default:
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func marshalJobMessage(m models.JobMessage) (kafka.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(m.JobID.String()), Value: body}, nil
}

func (s *Server) publishWithRetry(ctx context.Context, msg kafka.Message) error {
	var (
		baseDelay   = 500 * time.Millisecond
		maxDelay    = 10 * time.Second
		maxAttempts = 5
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.producer.WriteMessages(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}

		backoff := baseDelay << (attempt - 1)
		if backoff > maxDelay {
			backoff = maxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
