package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"tagmanager/internal/config"
	"tagmanager/internal/models"
)

const checksumMeta = "Checksum"

// ObjectStore mirrors stored originals and thumbnails into S3-compatible
// buckets. The local filesystem stays authoritative.
type ObjectStore struct {
	client *minio.Client
	cfg    config.ObjectStoreConfig
	logger zerolog.Logger
}

func NewObjectStore(cfg config.ObjectStoreConfig, logger zerolog.Logger) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "object_store").Logger(),
	}, nil
}

func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketOriginals, s.cfg.BucketVariants} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *ObjectStore) MirrorOriginal(ctx context.Context, id models.ImageID, path string) error {
	return s.mirror(ctx, s.cfg.BucketOriginals, OriginalKey(id), path, "image/png")
}

func (s *ObjectStore) MirrorThumbnail(ctx context.Context, id models.ImageID, path string) error {
	return s.mirror(ctx, s.cfg.BucketVariants, ThumbnailKey(id), path, "image/jpeg")
}

func OriginalKey(id models.ImageID) string {
	return fmt.Sprintf("%d.png", id)
}

func ThumbnailKey(id models.ImageID) string {
	return fmt.Sprintf("%d_thumbnail.jpg", id)
}

func (s *ObjectStore) mirror(ctx context.Context, bucket, key, path, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	sum := Checksum(data)

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil && checksumOf(info.UserMetadata) == sum {
		s.logger.Debug().Str("bucket", bucket).Str("key", key).Msg("object unchanged, skipping upload")
		return nil
	}
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}

	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{checksumMeta: sum},
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Checksum is the hex blake2b-256 digest recorded on every mirrored object.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checksumOf(meta map[string]string) string {
	for k, v := range meta {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if strings.EqualFold(k, checksumMeta) {
			return v
		}
	}
	return ""
}
