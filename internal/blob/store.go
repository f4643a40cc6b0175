package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is a shard backend on an S3-compatible bucket (AWS S3, MinIO, R2).
type Store struct {
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger
}

var _ shard.Backend = (*Store)(nil)

// NewStore creates a shard backend using an S3API implementation.
func NewStore(s3api S3API, bucket, prefix string, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *Store) Kind() string { return "s3" }

func (s *Store) objectKey(name string) string {
	if s.prefix != "" {
		return path.Join(s.prefix, name)
	}
	return name
}

// Put uploads data and returns the object key as the handle.
func (s *Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.objectKey(name)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"segd-name": name,
			"segd-size": strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("uploading %s to S3: %w", key, err))
	}

	s.logger.Debug("segment uploaded to S3",
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return key, nil
}

func (s *Store) Get(ctx context.Context, handle string) ([]byte, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &handle,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("downloading %s from S3: %w", handle, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shard.Transient(fmt.Errorf("reading S3 response: %w", err))
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, handle string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &handle,
	})
	if err != nil {
		return classify(fmt.Errorf("deleting %s from S3: %w", handle, err))
	}
	return nil
}

// Ping checks the bucket with HeadBucket.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err != nil {
		return classify(fmt.Errorf("head bucket %s: %w", s.bucket, err))
	}
	return nil
}

func (s *Store) Close() error { return nil }

var (
	transientCodes = map[string]bool{
		"SlowDown":                true,
		"Throttling":              true,
		"ThrottlingException":     true,
		"RequestLimitExceeded":    true,
		"TooManyRequests":         true,
		"RequestTimeout":          true,
		"RequestTimeTooSkewed":    true,
		"ServiceUnavailable":      true,
		"InternalError":           true,
		"OperationAborted":        true,
		"RequestTimeoutException": true,
	}
	notFoundCodes = map[string]bool{
		"NoSuchKey": true,
		"NotFound":  true,
	}
)

// classify maps S3 SDK failures onto the shard error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return shard.Transient(err)
	}

	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return shard.NotFound(err)
	}

	var respErr *awshttp.ResponseError
	hasResp := errors.As(err, &respErr) && respErr.ResponseError != nil

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return shard.NotFound(err)
		case transientCodes[code]:
			return shard.RateLimited(err, retryAfter(respErr))
		}
	}

	if hasResp {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return shard.NotFound(err)
		case status == http.StatusTooManyRequests || status >= 500:
			return shard.RateLimited(err, retryAfter(respErr))
		default:
			return shard.Rejected(err)
		}
	}
	if apiErr != nil {
		return shard.Rejected(err)
	}

	// No response from the service at all: dial, reset or timeout.
	var ne net.Error
	var opErr *smithy.OperationError
	if errors.As(err, &ne) || errors.As(err, &opErr) {
		return shard.Transient(err)
	}
	return shard.Rejected(err)
}

func retryAfter(respErr *awshttp.ResponseError) time.Duration {
	if respErr == nil || respErr.ResponseError == nil || respErr.Response == nil || respErr.Response.Response == nil {
		return 0
	}
	v := respErr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
