package audit

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"trading-fee-billing/config"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// ObjectWriter stores one object under a key
type ObjectWriter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// S3Writer uploads objects to a single bucket with the multipart manager
type S3Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Writer builds an S3 client from archive settings. A custom endpoint
// switches to path-style addressing for S3-compatible stores.
func NewS3Writer(ctx context.Context, cfg config.ArchiveConfig) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("audit: archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	return &S3Writer{client: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

// Put streams body to the bucket
func (w *S3Writer) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("audit: upload %s: %w", key, err)
	}
	return nil
}

// Health checks that the bucket is reachable
func (w *S3Writer) Health(ctx context.Context) error {
	if _, err := w.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(w.bucket)}); err != nil {
		return fmt.Errorf("audit: head bucket %s: %w", w.bucket, err)
	}
	return nil
}

func normaliseEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}
