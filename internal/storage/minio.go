// Package storage archives original uploads in MinIO so a document can be
// reprocessed or inspected after the in-memory bytes are gone.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// Store wraps one MinIO bucket. A nil *Store is a valid no-op store for
// deployments without object storage.
type Store struct {
	client *minio.Client
	bucket string
}

// NewFromEnv builds a Store from MINIO_* environment variables. A missing
// endpoint means object storage is not configured; the server then keeps
// only extracted data, not the originals.
func NewFromEnv(ctx context.Context) (*Store, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "documents"
	}
	useSSL := os.Getenv("MINIO_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}

	log.WithField("bucket", bucket).Info("object storage initialized")
	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads the original bytes under {owner}/{yyyy}/{mm}/{documentID}{ext}
// and returns the object key.
func (s *Store) Put(ctx context.Context, ownerID string, documentID uuid.UUID, content []byte, contentType string) (string, error) {
	if s == nil {
		return "", nil
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%d/%02d/%s%s",
		ownerID, now.Year(), now.Month(), documentID, extensionFor(contentType))

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL returns a time-limited download link for an archived original.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	if s == nil || key == "" {
		return "", fmt.Errorf("object %q not in storage", key)
	}
	url, err := s.client.PresignedGetObject(ctx, s.bucket, key, 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return url.String(), nil
}

// Delete removes an archived original. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || key == "" {
		return nil
	}
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tiff"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
