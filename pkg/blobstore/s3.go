package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Source fetches refs of the form s3://bucket/key.
type S3Source struct {
	client *s3.Client
}

// NewS3Source wraps an existing S3 client.
func NewS3Source(client *s3.Client) *S3Source {
	return &S3Source{client: client}
}

// NewS3SourceFromEnv builds an S3 source from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewS3SourceFromEnv(ctx context.Context) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	return NewS3Source(s3.NewFromConfig(cfg)), nil
}

// ParseS3Ref splits s3://bucket/key into its bucket and key.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrBadS3Ref, ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrBadS3Ref, ref)
	}
	return bucket, key, nil
}

// Fetch downloads the object the ref names.
func (s *S3Source) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	return data, nil
}
