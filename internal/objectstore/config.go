package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultBackend          = BackendFS
	defaultFSRoot           = "./artifacts"
	defaultKeyPrefix        = "jobs"
	defaultFetchTimeout     = 30 * time.Second
	defaultPutTimeout       = 60 * time.Second
	defaultMaxArtifactBytes = 32 << 20

	// DefaultAWSRegion is used when neither the config nor the SDK resolves a region.
	DefaultAWSRegion = "us-east-1"
)

var (
	// ErrUnknownBackend is returned for a backend other than s3 or fs.
	ErrUnknownBackend = errors.New("unknown object store backend")

	// ErrBucketRequired is returned when the s3 backend has no bucket.
	ErrBucketRequired = errors.New("object store bucket is required")

	// ErrPartialCredentials is returned when only one of the static key pair is set.
	ErrPartialCredentials = errors.New("access key id and secret access key must be set together")

	// ErrFSRootRequired is returned when the fs backend has no root directory.
	ErrFSRootRequired = errors.New("object store fs root is required")

	// ErrInvalidFetchLimit is returned for non-positive fetch limits.
	ErrInvalidFetchLimit = errors.New("fetch timeout and max artifact bytes must be positive")

	// ErrInvalidPutTimeout is returned for a non-positive upload timeout.
	ErrInvalidPutTimeout = errors.New("object store put timeout must be positive")
)

// Config holds object storage configuration.
type Config struct {
	Backend   string
	KeyPrefix string

	// PublicBaseURL, when set, is joined with the object key to form the durable URL.
	PublicBaseURL string

	// S3 settings.
	Bucket          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	// Filesystem settings.
	FSRoot string

	FetchTimeout     time.Duration
	MaxArtifactBytes int64

	// PutTimeout bounds each upload.
	PutTimeout time.Duration
}

// LoadConfig loads object storage configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Backend:          strings.ToLower(config.GetEnvStr("GENRELAY_OBJECTSTORE_BACKEND", defaultBackend)),
		KeyPrefix:        config.GetEnvStr("GENRELAY_OBJECTSTORE_KEY_PREFIX", defaultKeyPrefix),
		PublicBaseURL:    config.GetEnvStr("GENRELAY_OBJECTSTORE_PUBLIC_BASE_URL", ""),
		Bucket:           config.GetEnvStr("GENRELAY_OBJECTSTORE_BUCKET", ""),
		Region:           config.GetEnvStr("GENRELAY_OBJECTSTORE_REGION", ""),
		Endpoint:         config.GetEnvStr("GENRELAY_OBJECTSTORE_ENDPOINT", ""),
		Profile:          config.GetEnvStr("GENRELAY_OBJECTSTORE_PROFILE", ""),
		AccessKeyID:      config.GetEnvStr("GENRELAY_OBJECTSTORE_ACCESS_KEY_ID", ""),
		SecretAccessKey:  config.GetEnvStr("GENRELAY_OBJECTSTORE_SECRET_ACCESS_KEY", ""),
		ForcePathStyle:   config.GetEnvBool("GENRELAY_OBJECTSTORE_FORCE_PATH_STYLE", false),
		FSRoot:           config.GetEnvStr("GENRELAY_OBJECTSTORE_FS_ROOT", defaultFSRoot),
		FetchTimeout:     config.GetEnvDuration("GENRELAY_OBJECTSTORE_FETCH_TIMEOUT", defaultFetchTimeout),
		MaxArtifactBytes: config.GetEnvInt64("GENRELAY_OBJECTSTORE_MAX_ARTIFACT_BYTES", defaultMaxArtifactBytes),
		PutTimeout:       config.GetEnvDuration("GENRELAY_OBJECTSTORE_PUT_TIMEOUT", defaultPutTimeout),
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendS3:
		if strings.TrimSpace(c.Bucket) == "" {
			return ErrBucketRequired
		}

		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return ErrPartialCredentials
		}
	case BackendFS:
		if strings.TrimSpace(c.FSRoot) == "" {
			return ErrFSRootRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.FetchTimeout <= 0 || c.MaxArtifactBytes <= 0 {
		return ErrInvalidFetchLimit
	}

	if c.PutTimeout <= 0 {
		return ErrInvalidPutTimeout
	}

	return nil
}

// resolveRegion picks the configured region, then the SDK-resolved one, then the default.
// Custom endpoints (MinIO and friends) usually ignore the region but the signer needs one.
func resolveRegion(configured, sdkResolved string) string {
	if configured != "" {
		return configured
	}

	if sdkResolved != "" {
		return sdkResolved
	}

	return DefaultAWSRegion
}
