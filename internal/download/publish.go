// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

// DefaultRoot is the artifact directory used when none is configured.
const DefaultRoot = "data/pdfs"

const (
	stagePattern = ".download-*.tmp"

	// defaultStaleAfter applies when no download timeout is configured.
	defaultStaleAfter = 10 * time.Minute
)

// Publisher stages downloads and makes them visible under a key. A staged
// file is never visible at the key's final location until Publish returns.
type Publisher interface {
	// Stage creates an empty temporary file for key. The caller removes it
	// on failure.
	Stage(key string) (*os.File, error)

	// Publish moves the closed staged file to key and returns its location.
	Publish(ctx context.Context, staged, key string, size int64) (string, error)

	// Lookup reports whether key is already published.
	Lookup(ctx context.Context, key string) (Artifact, bool, error)
}

// NewPublisher returns the publisher selected by cfg.Backend.
func NewPublisher(ctx context.Context, cfg types.DownloadConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", types.BackendFS:
		return NewFSPublisher(cfg.Root)
	case types.BackendS3:
		return NewS3Publisher(ctx, cfg.S3, cfg.Root)
	default:
		return nil, fmt.Errorf("unknown download backend %q", cfg.Backend)
	}
}

// StagingDir returns the directory staged downloads are written to for cfg.
func StagingDir(cfg types.DownloadConfig) string {
	if cfg.Root != "" {
		return cfg.Root
	}
	if cfg.Backend == types.BackendS3 {
		return os.TempDir()
	}
	return DefaultRoot
}

// StaleAfter is the age past which a staged file cannot belong to a live
// download: twice the per-download timeout.
func StaleAfter(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultStaleAfter
	}
	return 2 * timeout
}

// SweepStaged removes staged files in dir not modified for maxAge. A process
// killed mid-download leaves them behind. It returns how many were removed.
func SweepStaged(dir string, maxAge time.Duration, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, stagePattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if info.IsDir() || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// FSPublisher publishes artifacts as files under a root directory. Staged
// files live in the same directory so the final rename is atomic.
type FSPublisher struct {
	root string
}

// NewFSPublisher creates root if needed.
func NewFSPublisher(root string) (*FSPublisher, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root %s: %w", root, err)
	}
	return &FSPublisher{root: root}, nil
}

// Path returns the final path for key.
func (p *FSPublisher) Path(key string) string {
	return filepath.Join(p.root, key)
}

func (p *FSPublisher) Stage(key string) (*os.File, error) {
	return os.CreateTemp(p.root, stagePattern)
}

func (p *FSPublisher) Publish(_ context.Context, staged, key string, _ int64) (string, error) {
	dest := p.Path(key)
	if err := os.Rename(staged, dest); err != nil {
		return "", fmt.Errorf("renaming temp file: %w", err)
	}
	if abs, err := filepath.Abs(dest); err == nil {
		return abs, nil
	}
	return dest, nil
}

// Lookup finds an existing file for key. Files without a PDF header are
// treated as absent so they get replaced.
func (p *FSPublisher) Lookup(_ context.Context, key string) (Artifact, bool, error) {
	dest := p.Path(key)
	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, err
	}
	ok, err := hasPDFMagic(dest)
	if err != nil || !ok {
		return Artifact{}, false, err
	}
	loc := dest
	if abs, err := filepath.Abs(dest); err == nil {
		loc = abs
	}
	return Artifact{Location: loc, Size: info.Size(), Skipped: true}, true, nil
}

// S3Publisher uploads artifacts to an S3-compatible bucket. Downloads are
// staged on local disk and uploaded in one PutObject call, so an object is
// either absent or complete.
type S3Publisher struct {
	client  *s3.Client
	bucket  string
	prefix  string
	staging string
}

// NewS3Publisher builds an S3 client from cfg. Staged files go to staging,
// or the system temp directory when staging is empty.
func NewS3Publisher(ctx context.Context, cfg types.S3Config, staging string) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	if staging == "" {
		staging = StagingDir(types.DownloadConfig{Backend: types.BackendS3})
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory %s: %w", staging, err)
	}

	return &S3Publisher{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		staging: staging,
	}, nil
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimSuffix(endpoint, "/")
}

func (p *S3Publisher) objectKey(key string) string {
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

func (p *S3Publisher) location(key string) string {
	return fmt.Sprintf("s3://%s/%s", p.bucket, p.objectKey(key))
}

func (p *S3Publisher) Stage(key string) (*os.File, error) {
	return os.CreateTemp(p.staging, stagePattern)
}

func (p *S3Publisher) Publish(ctx context.Context, staged, key string, size int64) (string, error) {
	defer os.Remove(staged)

	f, err := os.Open(staged)
	if err != nil {
		return "", fmt.Errorf("opening staged file: %w", err)
	}
	defer f.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.objectKey(key)),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: uploading %s: %w", types.ErrNetworkTransient, p.location(key), err)
	}
	return p.location(key), nil
}

func (p *S3Publisher) Lookup(ctx context.Context, key string) (Artifact, bool, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(key)),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) || strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, fmt.Errorf("checking %s: %w", p.location(key), err)
	}
	return Artifact{Location: p.location(key), Size: aws.ToInt64(out.ContentLength), Skipped: true}, true, nil
}
