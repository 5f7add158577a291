// Package s3 stores each event as a msgpack object in an S3 compatible
// bucket. Objects are named after the event key, so rewriting an event
// overwrites the previous object.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/codec"
)

const DefaultPort = 9000

var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrFailedToLoadConfig = errors.New("failed to load aws config")
)

type Config struct {
	Bucket       string `env:"S3_BUCKET" envDefault:"logs"`
	Prefix       string `env:"S3_PREFIX" envDefault:"events"`
	Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKeyID  string `env:"S3_ACCESS_KEY_ID"`
	SecretKey    string `env:"S3_SECRET_KEY"`
	UseTLS       bool   `env:"S3_USE_TLS" envDefault:"false"`
	CreateBucket bool   `env:"S3_CREATE_BUCKET" envDefault:"true"`
}

// Client is the subset of the S3 API the backend needs.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Backend struct {
	client       Client
	bucket       string
	prefix       string
	createBucket bool
}

func NewBackend(client Client, cfg Config) *Backend {
	return &Backend{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		createBucket: cfg.CreateBucket,
	}
}

func (b *Backend) objectKey(key string) string {
	return path.Join(b.prefix, key+".msgpack")
}

// Prepare makes sure the bucket exists, creating it when allowed.
func (b *Backend) Prepare(ctx context.Context) error {
	err := b.Ping(ctx)
	if err == nil || !errors.Is(err, ErrBucketNotFound) || !b.createBucket {
		return err
	}

	if _, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return classify(err, "create bucket")
	}
	return nil
}

// PersistBatch uploads every event of the batch. Uploads are independent: a
// failed object does not stop the rest, and the failures are returned joined.
func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	var errs []error
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		data, err := codec.Encode(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(b.objectKey(e.Key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(codec.ContentType),
		})
		if err != nil {
			errs = append(errs, classify(err, "put "+e.Key))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return classify(err, "head bucket")
}

func (b *Backend) Close(ctx context.Context) error {
	return nil
}

func classify(err error, operation string) error {
	if err == nil {
		return nil
	}

	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, operation)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, operation)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s", ErrBucketNotFound, operation)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s", ErrAccessDenied, operation)
		}
		return fmt.Errorf("%s failed (code: %s): %w", operation, apiErr.ErrorCode(), err)
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}

type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

// Connect builds a path-style client for the endpoint at addr and probes the
// bucket. A missing bucket is not a connect failure; Prepare handles it.
func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.Config.Region),
	}
	if c.Config.AccessKeyID != "" && c.Config.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.Config.AccessKeyID, c.Config.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadConfig, err)
	}

	scheme := "http"
	if c.Config.UseTLS {
		scheme = "https"
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(scheme + "://" + addr.HostPort())
		o.UsePathStyle = true
	})

	backend := NewBackend(client, c.Config)
	if err := backend.Ping(ctx); err != nil && !errors.Is(err, ErrBucketNotFound) {
		return nil, err
	}
	return backend, nil
}
