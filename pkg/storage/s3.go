package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Blobs keeps blobs in an S3 bucket under <prefix><hex>. A custom
// endpoint switches to path-style addressing for MinIO and LocalStack.
type S3Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3 blob backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Blobs builds the backend from the ambient AWS credential chain.
func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Blobs{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Blobs) key(raw string) string {
	return s.prefix + raw
}

func (s *S3Blobs) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw := strings.TrimPrefix(digest, "sha256:")

	ok, err := s.Exists(ctx, digest)
	if err != nil {
		return "", err
	}
	if ok {
		return digest, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(raw)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("storage: s3 put: %w", err)
	}
	return digest, nil
}

func (s *S3Blobs) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("storage: s3 get %s: %w", digest, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %s: %w", digest, err)
	}
	return data, nil
}

func (s *S3Blobs) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("storage: s3 head %s: %w", digest, err)
	}
	return true, nil
}

func (s *S3Blobs) Delete(ctx context.Context, digest string) error {
	raw, err := hexOf(digest)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 delete %s: %w", digest, err)
	}
	return nil
}
