package bulkbackup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores a finished bundle.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader, size int64) error
}

// S3Client is the subset of the S3 API used for uploads.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
}

// S3Config selects the bucket endpoint. Empty credentials fall back to the
// default AWS chain.
type S3Config struct {
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
}

// S3Uploader uploads bundles with PutObject.
type S3Uploader struct {
	client S3Client
}

// NewS3Uploader wraps an existing client.
func NewS3Uploader(client S3Client) *S3Uploader {
	return &S3Uploader{client: client}
}

// DialS3 builds an S3 client from cfg.
func DialS3(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Region == "" {
		return nil, errors.New("s3 region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewS3Uploader(client), nil
}

func (u *S3Uploader) Upload(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := u.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}
