// Package storage mirrors evidence photos to an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	// Objects are stored under Prefix/yyyy/mm/dd/.
	Prefix string

	MaxUploads     int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// StorageError carries the operation and key of a failed upload.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type objectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Metrics struct {
	Uploads      atomic.Uint64
	UploadBytes  atomic.Uint64
	UploadErrors atomic.Uint64
}

// MinIOArchive uploads capture files. Failures are reported to the caller
// and never retried beyond MaxRetries.
type MinIOArchive struct {
	client     objectPutter
	config     MinIOConfig
	logger     *zap.Logger
	uploadPool chan struct{}
	metrics    Metrics
}

func withDefaults(config MinIOConfig) MinIOConfig {
	if config.MaxUploads == 0 {
		config.MaxUploads = 2
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.Prefix == "" {
		config.Prefix = "captures"
	}
	return config
}

// NewMinIOArchive connects and makes sure the bucket exists.
func NewMinIOArchive(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOArchive, error) {
	config = withDefaults(config)
	if config.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	a := newArchive(client, config, logger)

	cctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	exists, err := client.BucketExists(cctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(cctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return a, nil
}

func newArchive(client objectPutter, config MinIOConfig, logger *zap.Logger) *MinIOArchive {
	if logger == nil {
		logger = zap.L()
	}
	a := &MinIOArchive{
		client:     client,
		config:     config,
		logger:     logger.Named("minio-archive"),
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		a.uploadPool <- struct{}{}
	}
	return a
}

// ObjectKey places name under prefix/yyyy/mm/dd.
func ObjectKey(prefix string, at time.Time, name string) string {
	return path.Join(prefix, at.Format("2006"), at.Format("01"), at.Format("02"), name)
}

// Archive uploads the file at localPath.
func (a *MinIOArchive) Archive(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &StorageError{Op: "stat", Key: localPath, Err: err}
	}
	key := ObjectKey(a.config.Prefix, info.ModTime(), filepath.Base(localPath))

	select {
	case <-a.uploadPool:
		defer func() { a.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = a.config.RetryBackoff
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(a.config.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		rctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
		_, err := a.client.FPutObject(rctx, a.config.Bucket, key, localPath, minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"source": "motiondetection",
			},
		})
		if err != nil {
			a.logger.Warn("upload attempt failed",
				zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		a.metrics.UploadErrors.Add(1)
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	a.metrics.Uploads.Add(1)
	a.metrics.UploadBytes.Add(uint64(info.Size()))
	a.logger.Info("capture archived", zap.String("bucket", a.config.Bucket), zap.String("key", key))
	return nil
}

func (a *MinIOArchive) Stats() (uploads, bytes, failures uint64) {
	return a.metrics.Uploads.Load(), a.metrics.UploadBytes.Load(), a.metrics.UploadErrors.Load()
}
