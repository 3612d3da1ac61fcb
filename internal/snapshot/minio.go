// Package snapshot archives persisted annotation state to object storage
// so ended sessions can be reviewed after their Postgres rows are pruned.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("snapshot not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive stores annotation snapshots in an S3-compatible bucket.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to object storage and ensures the bucket exists.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

func objectName(sessionID string) string {
	return "sessions/" + sessionID + "/annotations.json"
}

// Put uploads the annotation payload for a session, replacing any
// previous snapshot.
func (a *Archive) Put(ctx context.Context, sessionID string, payload []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, objectName(sessionID),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Get downloads the annotation payload for a session.
func (a *Archive) Get(ctx context.Context, sessionID string) ([]byte, error) {
	object, err := a.client.GetObject(ctx, a.bucket, objectName(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %s: %w", sessionID, err)
	}
	return payload, nil
}

// Stat returns the upload time of the stored snapshot.
func (a *Archive) Stat(ctx context.Context, sessionID string) (time.Time, error) {
	info, err := a.client.StatObject(ctx, a.bucket, objectName(sessionID), minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("stat snapshot %s: %w", sessionID, err)
	}
	return info.LastModified, nil
}
