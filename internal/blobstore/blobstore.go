// Package blobstore wraps the S3-compatible object store holding uploaded
// CAD files and converted STL artifacts.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"showcase3d/internal/models"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	UploadedBucket  string
	ConvertedBucket string
}

type Store struct {
	client          *minio.Client
	uploadedBucket  string
	convertedBucket string
}

func New(cfg Config) (*Store, error) {
	const op = "blobstore.New"

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Store{
		client:          client,
		uploadedBucket:  cfg.UploadedBucket,
		convertedBucket: cfg.ConvertedBucket,
	}, nil
}

// PutUpload stores an uploaded CAD file under the owner's prefix and returns
// the object key. The key embeds a fresh uuid so concurrent uploads of the
// same filename never collide.
func (s *Store) PutUpload(ctx context.Context, userID uuid.UUID, ext string, r io.Reader, size int64) (string, error) {
	const op = "blobstore.PutUpload"

	key := userID.String() + "/" + uuid.NewString() + ext
	_, err := s.client.PutObject(ctx, s.uploadedBucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return key, nil
}

// FetchUpload downloads an uploaded object into dir and returns the local
// file path. Used by the conversion worker.
func (s *Store) FetchUpload(ctx context.Context, key, dir string) (string, error) {
	const op = "blobstore.FetchUpload"

	local := filepath.Join(dir, "input"+filepath.Ext(key))
	if err := s.client.FGetObject(ctx, s.uploadedBucket, key, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return local, nil
}

// PutConverted stores a converted STL next to the original upload prefix and
// returns the object key.
func (s *Store) PutConverted(ctx context.Context, inputKey, localPath string) (string, error) {
	const op = "blobstore.PutConverted"

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}

	key := inputKey[:len(inputKey)-len(filepath.Ext(inputKey))] + ".stl"
	_, err = s.client.PutObject(ctx, s.convertedBucket, key, f, st.Size(), minio.PutObjectOptions{
		ContentType: "model/stl",
	})
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return key, nil
}

// PresignConverted issues a time-bounded GET URL for a converted artifact.
// The raw object key never reaches the client; each call mints an
// independent URL with its own expiry.
func (s *Store) PresignConverted(ctx context.Context, key string, expiry time.Duration) (string, error) {
	const op = "blobstore.PresignConverted"

	u, err := s.client.PresignedGetObject(ctx, s.convertedBucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", op, err, models.ErrAccessToken)
	}
	return u.String(), nil
}
