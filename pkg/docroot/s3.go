package docroot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittoweb/internal/logger"
)

// S3API is the subset of the S3 client used to mirror a bucket.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3 mirror.
type S3Config struct {
	// Client talks to S3 (or a compatible service).
	Client S3API

	// Bucket holds the site.
	Bucket string

	// KeyPrefix selects the part of the bucket to mirror. Keys are stored
	// relative to it.
	KeyPrefix string

	// CacheDir is the local directory the objects are written to.
	CacheDir string
}

// S3 mirrors every object under a bucket prefix into a local directory.
//
// Files are written world-readable (0644), since the server refuses to serve
// files without the other-read bit. Keys ending in '/' (folder markers) are
// skipped, as are keys that would escape the cache directory.
type S3 struct {
	cfg S3Config
}

// NewS3 validates cfg and returns the mirror.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache_dir is required")
	}
	if cfg.KeyPrefix != "" && !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}
	return &S3{cfg: cfg}, nil
}

func (m *S3) Name() string { return "s3" }

// Prepare downloads the bucket prefix into the cache directory and returns
// the directory's absolute path.
func (m *S3) Prepare(ctx context.Context) (string, error) {
	root, err := filepath.Abs(m.cfg.CacheDir)
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	if _, err := m.cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.cfg.Bucket),
	}); err != nil {
		return "", fmt.Errorf("failed to access bucket %q: %w", m.cfg.Bucket, err)
	}

	paginator := s3.NewListObjectsV2Paginator(m.cfg.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.Bucket),
		Prefix: aws.String(m.cfg.KeyPrefix),
	})

	var files int
	var bytes int64

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, m.cfg.KeyPrefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}

			dst, err := localPath(root, rel)
			if err != nil {
				logger.Warn("Skipping S3 object %q: %v", key, err)
				continue
			}

			n, err := m.download(ctx, key, dst)
			if err != nil {
				return "", err
			}
			files++
			bytes += n
		}
	}

	logger.Info("Document root mirrored from s3://%s/%s: files=%d bytes=%d dir=%s",
		m.cfg.Bucket, m.cfg.KeyPrefix, files, bytes, root)
	return root, nil
}

// download writes one object to dst through a temporary file so a partially
// downloaded object is never served.
func (m *S3) download(ctx context.Context, key, dst string) (int64, error) {
	out, err := m.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("create directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file for %q: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("download %q: %w", key, err)
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("install %q: %w", key, err)
	}
	return n, nil
}
