package satextract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ObjectStore abstracts blob access for everything that reads or writes
// archive chunks, STAC assets, and deployment manifests, so the pipeline
// never talks to a concrete cloud SDK directly (spec.md §4.9). A single
// implementation backs S3, GCS's S3-compatible XML API, R2, and MinIO,
// the same way the teacher's S3Client targets R2 through endpoint
// configuration alone.
type ObjectStore interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
	OpenRangeReader(ctx context.Context, url string) (io.ReaderAt, int64, error)
	Put(ctx context.Context, url string, body io.Reader) error
	Exists(ctx context.Context, url string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	GetMapper(prefix string) ChunkStore
}

// ChunkStore is a flat key/value view over a prefix, used by the archive
// format (archive.go) to read and write individual chunk blobs without
// re-deriving an object-store URL on every call.
type ChunkStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// S3Config mirrors the teacher's S3Config: endpoint/region/bucket plus
// static credentials, sufficient to target any S3-compatible provider.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store is the ObjectStore implementation backing production use. It
// generalizes the teacher's S3Client (directory-upload-only) into
// arbitrary object get/put/range-read/copy, keeping the same
// connection-pooled http.Client and custom endpoint resolver so
// R2/GCS/MinIO all work without code changes.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store against an S3-compatible endpoint.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID && cfg.Endpoint != "" {
			return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: cfg.Region}, nil
		}
		return aws.Endpoint{}, &smithy.GenericAPIError{Code: "UnknownEndpoint"}
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        150,
			MaxIdleConnsPerHost: 150,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 5 * time.Minute,
	}

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// parseS3URL extracts a bucket-relative key from a URL. Bare keys (no
// scheme) are used as-is; "s3://bucket/key" URLs are accepted for
// compatibility with catalog asset URLs that carry an explicit bucket.
func (s *S3Store) parseS3URL(url string) string {
	if strings.HasPrefix(url, "s3://") {
		rest := strings.TrimPrefix(url, "s3://")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return rest[idx+1:]
		}
		return rest
	}
	return strings.TrimPrefix(url, "/")
}

func (s *S3Store) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	key := s.parseS3URL(url)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, newTransientIO(fmt.Sprintf("open %s", url), err)
	}
	return out.Body, nil
}

// s3RangeReader implements io.ReaderAt against S3 HTTP Range requests,
// returned by OpenRangeReader. Extract does not use it: it downloads
// whole assets through Open (extractor.go's downloadToTemp).
type s3RangeReader struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
}

func (r *s3RangeReader) ReadAt(p []byte, off int64) (int, error) {
	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)
	out, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return 0, newTransientIO("range read", err)
	}
	defer out.Body.Close()
	return io.ReadFull(out.Body, p)
}

func (s *S3Store) OpenRangeReader(ctx context.Context, url string) (io.ReaderAt, int64, error) {
	key := s.parseS3URL(url)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, newTransientIO(fmt.Sprintf("head %s", url), err)
	}
	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &s3RangeReader{ctx: ctx, client: s.client, bucket: s.bucket, key: key}, size, nil
}

func (s *S3Store) Put(ctx context.Context, url string, body io.Reader) error {
	key := s.parseS3URL(url)
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return newTransientIO(fmt.Sprintf("put %s", url), err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, url string) (bool, error) {
	key := s.parseS3URL(url)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, newTransientIO(fmt.Sprintf("head %s", url), err)
	}
	return true, nil
}

func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	srcKey := s.parseS3URL(src)
	dstKey := s.parseS3URL(dst)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucket, srcKey)),
	})
	if err != nil {
		return newTransientIO(fmt.Sprintf("copy %s -> %s", src, dst), err)
	}
	return nil
}

func (s *S3Store) GetMapper(prefix string) ChunkStore {
	return &s3ChunkStore{store: s, prefix: strings.TrimSuffix(prefix, "/")}
}

type s3ChunkStore struct {
	store  *S3Store
	prefix string
}

func (c *s3ChunkStore) key(k string) string {
	return c.prefix + "/" + k
}

func (c *s3ChunkStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := c.store.Open(ctx, c.key(key))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (c *s3ChunkStore) Put(ctx context.Context, key string, data []byte) error {
	return c.store.Put(ctx, c.key(key), bytes.NewReader(data))
}

func (c *s3ChunkStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.store.Exists(ctx, c.key(key))
}
