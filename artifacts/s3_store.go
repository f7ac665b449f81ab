package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/vocdoni/zkvote-node/log"
)

// S3Config holds the configuration of an S3 compatible artifact bucket.
type S3Config struct {
	Endpoint  string // empty means AWS
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Store keeps artifacts in an S3 compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates the S3 client. Static credentials are used when an access
// key is configured, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("unable to get object: %w", err)
	}
	return NewLoggingReader(object.Body, "downloading artifact", key, aws.ToInt64(object.ContentLength)), nil
}

// Writer spools to a temporary file and uploads it with PutObject on Close,
// since PutObject needs a seekable body to sign the payload.
func (s *S3Store) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp("", "zkvote-artifact-*")
	if err != nil {
		return nil, err
	}
	return &s3Upload{File: tmp, ctx: ctx, store: s, key: key}, nil
}

type s3Upload struct {
	*os.File
	ctx   context.Context
	store *S3Store
	key   string
}

func (u *s3Upload) Close() error {
	defer func() {
		_ = u.File.Close()
		_ = os.Remove(u.Name())
	}()
	if _, err := u.Seek(0, io.SeekStart); err != nil {
		return err
	}
	log.Infow("uploading artifact", "bucket", u.store.bucket, "key", u.key)
	if _, err := u.store.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.store.bucket),
		Key:    aws.String(u.store.objectKey(u.key)),
		Body:   u.File,
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", u.key, err)
	}
	return nil
}

// Abort drops the spooled content without uploading it.
func (u *s3Upload) Abort() {
	_ = u.File.Close()
	_ = os.Remove(u.Name())
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
