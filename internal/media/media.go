// Package media stores album photos on S3-compatible object storage and
// issues short-lived presigned read URLs. The bucket stays private; the
// album unlock ledger is the only gate, so URLs are minted per request
// and only for albums the caller may see.
package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignTTL = 15 * time.Minute

// Config holds connection settings for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service wraps a MinIO client scoped to a single bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("media: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("media: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// PhotoKey builds the object key for an album photo.
func PhotoKey(propertyID, albumKey, photoID string) string {
	return fmt.Sprintf("albums/%s/%s/%s", propertyID, albumKey, photoID)
}

// albumPrefix is the listing prefix covering every photo in one album.
func albumPrefix(propertyID, albumKey string) string {
	return fmt.Sprintf("albums/%s/%s/", propertyID, albumKey)
}

// UploadPhoto streams one photo into the bucket and returns its object key.
// The uploaded content type is preserved so presigned reads serve it back as-is.
func (s *Service) UploadPhoto(ctx context.Context, propertyID, albumKey, photoID string, r io.Reader, size int64, contentType string) (string, error) {
	key := PhotoKey(propertyID, albumKey, photoID)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("media: put %s: %w", key, err)
	}
	return key, nil
}

// ListPhotoKeys returns the object keys of every photo in an album.
func (s *Service) ListPhotoKeys(ctx context.Context, propertyID, albumKey string) ([]string, error) {
	prefix := albumPrefix(propertyID, albumKey)
	keys := make([]string, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("media: list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// PresignGet mints a presigned GET URL for one object, valid for 15 minutes.
func (s *Service) PresignGet(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("media: presign %s: %w", key, err)
	}
	return u.String(), nil
}
