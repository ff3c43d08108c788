package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects the bucket archive objects land in. Endpoint is optional
// and points at S3-compatible stores (MinIO, LocalStack) during development.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Uploader implements Uploader on one S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds the S3 client from the ambient AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one object.
func (u *S3Uploader) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	return nil
}

// Get downloads one object.
func (u *S3Uploader) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}
