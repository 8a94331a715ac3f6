// Package export uploads downloadable run reports to S3-compatible object
// storage.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/odvcencio/browsertest/pkg/artifact"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/report"
)

const contentTypeJSON = "application/json"

// Config configures the object storage target.
type Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
}

// Validate checks the fields required to connect.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, "export endpoint must start with http:// or https://").
			WithContext("endpoint", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, "export bucket is required")
	}
	return nil
}

// ObjectClient is the subset of *minio.Client the uploader needs.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Location identifies an uploaded report.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag,omitempty"`
}

// Uploader writes report Documents to a bucket.
type Uploader struct {
	client ObjectClient
	cfg    Config
	now    func() time.Time

	bucketOnce sync.Once
	bucketErr  error
}

// NewClient connects a minio client for cfg.Endpoint. The scheme selects TLS.
func NewClient(cfg Config) (*minio.Client, error) {
	endpoint := cfg.Endpoint
	secure := true
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		secure = false
		endpoint = strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	default:
		return nil, fmt.Errorf("unsupported export endpoint %q", cfg.Endpoint)
	}
	return minio.New(strings.TrimSuffix(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
}

// New returns an uploader backed by a real minio client.
func New(cfg Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigInvalid, "create object storage client")
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectClient, cfg Config) *Uploader {
	return &Uploader{client: client, cfg: cfg, now: time.Now}
}

// Key returns the object name of a run's report.
func (u *Uploader) Key(testID string) string {
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), testID, report.Filename(testID))
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	u.bucketOnce.Do(func() {
		exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
		if err != nil {
			u.bucketErr = err
			return
		}
		if !exists {
			u.bucketErr = u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{Region: u.cfg.Region})
		}
	})
	return u.bucketErr
}

// Upload exports res with its screenshots inlined and writes it to the bucket.
func (u *Uploader) Upload(ctx context.Context, res *report.Result, store artifact.Store) (Location, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return Location{}, bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "prepare export bucket").
			WithContext("bucket", u.cfg.Bucket)
	}

	doc, err := report.Export(ctx, res, store, u.now())
	if err != nil {
		return Location{}, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "build report").WithContext("test_id", res.TestID)
	}
	body, err := doc.Marshal()
	if err != nil {
		return Location{}, bterrors.Wrap(err, bterrors.ErrCodeInternal, "encode report").WithContext("test_id", res.TestID)
	}

	key := u.Key(res.TestID)
	info, err := u.client.PutObject(ctx, u.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentTypeJSON,
		UserMetadata: map[string]string{
			"test-id": res.TestID,
			"status":  string(res.Status),
		},
	})
	if err != nil {
		return Location{}, bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "upload report").
			WithContext("test_id", res.TestID).
			WithRetryable(true)
	}
	return Location{Bucket: u.cfg.Bucket, Key: key, Size: int64(len(body)), ETag: info.ETag}, nil
}
