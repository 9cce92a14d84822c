package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotStorageURI is returned by ParseURI for anything that is not s3://bucket/key.
var ErrNotStorageURI = errors.New("not an s3:// storage uri")

// Matches the storage path format Label Studio gives for cloud storage tasks.
var storageURI = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

// ParseURI splits s3://bucket/key into its bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	m := storageURI.FindStringSubmatch(uri)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrNotStorageURI, uri)
	}
	return m[1], m[2], nil
}

type Config struct {
	Endpoint  string // e.g. https://nyc3.digitaloceanspaces.com
	Region    string
	Key       string
	Secret    string
	PathStyle bool // false selects virtual-host addressing (bucket.endpoint/key)
	// HTTPClient overrides the SDK transport; nil uses the default.
	HTTPClient *http.Client
}

// Spaces downloads objects from an S3 compatible store such as DigitalOcean Spaces.
type Spaces struct {
	client     *s3.Client
	downloader *manager.Downloader
}

func New(cfg Config) (*Spaces, error) {
	if cfg.Endpoint == "" || cfg.Region == "" {
		return nil, errors.New("storage endpoint and region are required")
	}

	opts := s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: cfg.PathStyle,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, ""),
	}
	if cfg.HTTPClient != nil {
		opts.HTTPClient = cfg.HTTPClient
	}

	client := s3.New(opts)
	return &Spaces{
		client:     client,
		downloader: manager.NewDownloader(client),
	}, nil
}

// Download writes bucket/key into dst and returns the number of bytes written.
func (s *Spaces) Download(ctx context.Context, bucket, key string, dst io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}
