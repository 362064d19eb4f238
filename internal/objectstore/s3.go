package objectstore

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store writes artifacts to an S3 bucket.
type S3Store struct {
	client        *s3.Client
	bucket        string
	region        string
	endpoint      string
	pathStyle     bool
	publicBaseURL string
}

// NewS3Store creates an S3-backed store. Credentials come from the SDK default chain unless
// a static key pair is configured.
func NewS3Store(ctx context.Context, cfg *Config) (*S3Store, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "New", Backend: BackendS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		region:        awsCfg.Region,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		pathStyle:     cfg.ForcePathStyle,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(cfg.Region, awsCfg.Region)

	return awsCfg, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", &StoreError{Op: "PutObject", Backend: BackendS3, Bucket: s.bucket, Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleanKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", s.wrapError("PutObject", cleanKey, err)
	}

	return s.objectURL(cleanKey), nil
}

// objectURL builds the durable URL for key: the public base when configured, otherwise the
// endpoint (path-style or virtual-hosted), otherwise the regional AWS host.
func (s *S3Store) objectURL(key string) string {
	escaped := escapeKey(key)

	switch {
	case s.publicBaseURL != "":
		return s.publicBaseURL + "/" + escaped
	case s.endpoint != "" && s.pathStyle:
		return s.endpoint + "/" + s.bucket + "/" + escaped
	case s.endpoint != "":
		if u, err := url.Parse(s.endpoint); err == nil && u.Host != "" {
			return u.Scheme + "://" + s.bucket + "." + u.Host + "/" + escaped
		}

		return s.endpoint + "/" + s.bucket + "/" + escaped
	default:
		return "https://" + s.bucket + ".s3." + s.region + ".amazonaws.com/" + escaped
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}

	return strings.Join(parts, "/")
}

// wrapError classifies an S3 failure onto the package sentinels.
func (s *S3Store) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Backend: BackendS3, Bucket: s.bucket, Key: key, Err: err}

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)

	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		wrapped.Err = ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredential
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}

	return wrapped
}
