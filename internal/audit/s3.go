package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Objects struct {
	client     S3Client
	bucket     string
	maxGetSize int64
}

func newS3Objects(cfg Config) (*s3Objects, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Objects{client: cfg.S3Client, bucket: bucket, maxGetSize: maxGet}, nil
}

func (s *s3Objects) put(ctx context.Context, key string, payload []byte, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeJSON),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("audit/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Objects) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("audit/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("audit/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
