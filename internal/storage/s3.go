package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// S3Config holds connection settings for S3-compatible stores.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle is required by most non-AWS endpoints.
	UsePathStyle bool
	MaxRetries   int
}

// S3Storage implements ObjectStorage on an S3 bucket. Report files are
// small, so every transfer is a single request.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	retries int
	backoff time.Duration
}

// NewS3Storage loads the default AWS credential chain and builds a client.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &S3Storage{client: client, bucket: bucket, retries: retries, backoff: 100 * time.Millisecond}
}

func (s *S3Storage) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// Upload puts localPath at objectPath. The content type follows the
// extension so published CSV and GeoJSON open in a browser.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return atlaserrors.NewStorageError(atlaserrors.CodeUploadFailed, "storage: open "+localPath, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectPath),
		Body:        f,
		ContentType: aws.String(ContentType(objectPath)),
		Metadata:    map[string]string{"source-name": filepath.Base(localPath)},
	}
	err = s.retryWithBackoff(ctx, func() error {
		// A failed attempt may have consumed part of the body.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return atlaserrors.NewStorageError(atlaserrors.CodeUploadFailed, "storage: upload "+s.uri(objectPath), err)
	}
	return nil
}

// Download streams objectPath into a temp file next to localPath and
// renames it into place once the body has been read in full.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return atlaserrors.NewStorageError(atlaserrors.CodeDownloadFailed, "storage: download "+s.uri(objectPath), err)
	}
	tmp := localPath + ".tmp"

	err := s.retryWithBackoff(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		return writeFileFrom(tmp, out.Body)
	})
	if err != nil {
		os.Remove(tmp)
		if isNotFound(err) {
			return atlaserrors.NewStorageError(atlaserrors.CodeObjectNotFound, "storage: "+s.uri(objectPath), ErrObjectNotFound)
		}
		return atlaserrors.NewStorageError(atlaserrors.CodeDownloadFailed, "storage: download "+s.uri(objectPath), err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return atlaserrors.NewStorageError(atlaserrors.CodeDownloadFailed, "storage: download "+s.uri(objectPath), err)
	}
	return nil
}

func writeFileFrom(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes objectPath. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return atlaserrors.NewStorageError(atlaserrors.CodeUploadFailed, "storage: delete "+s.uri(objectPath), err)
	}
	return nil
}

// Exists issues a HEAD request for objectPath.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, atlaserrors.NewStorageError(atlaserrors.CodeDownloadFailed, "storage: head "+s.uri(objectPath), err)
	}
}

// ListObjects pages through every key under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, atlaserrors.NewStorageError(atlaserrors.CodeDownloadFailed, "storage: list "+s.uri(prefix), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// retryWithBackoff retries op with exponential backoff. Missing objects
// are returned at once.
func (s *S3Storage) retryWithBackoff(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil || isNotFound(err) || attempt >= s.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff << attempt):
		}
	}
}
