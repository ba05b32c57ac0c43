// Package s3remote implements [assetcache.RemoteProvider] for S3-compatible storages.
// Object ETags are used as revisions.
package s3remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix is prepended to all object keys.
	Prefix string
}

func (cfg Config) validate() error {
	if cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

type Provider struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ assetcache.RemoteProvider = (*Provider)(nil)

func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	region := cfg.Region
	if region == "" {
		// Skip bucket location lookup.
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't create minio client: %w", err)
	}

	return &Provider{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (p *Provider) Download(ctx context.Context, path string) ([]byte, string, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.objectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", translateError(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", translateError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't read object: %w", translateError(err))
	}
	return data, info.ETag, nil
}

func (p *Provider) CurrentRevision(ctx context.Context, path string) (string, error) {
	info, err := p.client.StatObject(ctx, p.bucket, p.objectKey(path), minio.StatObjectOptions{})
	if err != nil {
		return "", translateError(err)
	}
	return info.ETag, nil
}

func (p *Provider) objectKey(path string) string {
	key := strings.TrimPrefix(assetcache.NormalizePath(path), "/")
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key
}

func translateError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %w", assetcache.ErrNotFound, err)
	}
	return fmt.Errorf("minio: %w", err)
}
