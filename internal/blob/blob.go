// Package blob stores message payloads and tenant assets in object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config names the buckets the service writes to. Primary and audit both
// receive every replayed payload; asset holds tenant templates and icons.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PrimaryBucket string
	AuditBucket   string
	AssetBucket   string
}

type Store struct {
	client *minio.Client
	cfg    Config
}

// New connects to object storage and ensures the configured buckets exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	store := &Store{client: client, cfg: cfg}
	for _, bucket := range []string{cfg.PrimaryBucket, cfg.AuditBucket, cfg.AssetBucket} {
		if err := store.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// UploadPayload writes a message payload to both the primary and audit
// buckets under the same object name.
func (s *Store) UploadPayload(ctx context.Context, objectName string, payload []byte) error {
	for _, bucket := range []string{s.cfg.PrimaryBucket, s.cfg.AuditBucket} {
		if err := s.put(ctx, bucket, objectName, payload, "application/json"); err != nil {
			return err
		}
	}
	return nil
}

// UploadAsset writes a tenant asset (card template, mail template, icon).
func (s *Store) UploadAsset(ctx context.Context, objectName string, data []byte, contentType string) error {
	return s.put(ctx, s.cfg.AssetBucket, objectName, data, contentType)
}

// GetAsset reads a tenant asset back.
func (s *Store) GetAsset(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.cfg.AssetBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", objectName, err)
	}
	return data, nil
}

func (s *Store) put(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, objectName, err)
	}
	return nil
}
