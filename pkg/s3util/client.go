// Package s3util provides a factory for creating AWS S3-compatible clients
// for S3-backed shards (AWS S3, MinIO, Cloudflare R2).
package s3util

import (
	"context"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/segment-delivery/internal/config"
)

// Client wraps the AWS S3 client of one shard.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient creates an S3-compatible client from a shard's config. The SDK's
// own retryer is limited to one attempt; retries belong to the shard layer.
func NewClient(ctx context.Context, shardCfg config.ShardConfig) (*Client, error) {
	cfg := shardCfg.S3

	httpClient := awshttp.NewBuildableClient().
		WithTimeout(shardCfg.ReadTimeout.Duration()).
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = shardCfg.ConnectTimeout.Duration()
		})

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for shard %s: %w", shardCfg.Name, err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		S3:     s3.NewFromConfig(awsCfg, s3Opts...),
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}, nil
}
