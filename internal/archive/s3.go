package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Shipper uploads rotated execution logs to a fixed bucket.
type S3Shipper struct {
	client *s3.Client
	bucket string
}

// NewS3Shipper loads the default AWS credential chain (environment,
// shared config, EC2/ECS role), scoped to region if non-empty. When
// accessKeyID and secretAccessKey are both set, they override the
// chain with a static provider instead -- for engines deployed
// outside AWS with a scoped-down bucket-only key.
func NewS3Shipper(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string) (*S3Shipper, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}
	return &S3Shipper{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Ship uploads localPath to s3://bucket/key.
func (s *S3Shipper) Ship(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s to s3://%s/%s: %w", localPath, s.bucket, key, err)
	}
	return nil
}
