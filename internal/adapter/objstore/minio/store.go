// Package minio implements domain.ObjectStore on any S3-compatible endpoint.
package minio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store wraps one minio client bound to one bucket. The bucket is created
// lazily on first write so a cold deployment needs no manual provisioning.
type Store struct {
	client *minio.Client
	bucket string

	ensureOnce sync.Once
	ensureErr  error
}

func New(opts Options) (*Store, error) {
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=objstore.new: %w", err)
	}
	return &Store{client: cli, bucket: opts.Bucket}, nil
}

func (s *Store) ensureBucket(ctx domain.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.ensureErr = fmt.Errorf("op=objstore.bucket_exists: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			// Concurrent creation races are fine as long as the bucket is there.
			if ok, err2 := s.client.BucketExists(ctx, s.bucket); err2 == nil && ok {
				return
			}
			s.ensureErr = fmt.Errorf("op=objstore.make_bucket: %w", err)
			return
		}
		slog.Info("object store bucket created", slog.String("bucket", s.bucket))
	})
	return s.ensureErr
}

// Put streams the object to the bucket. Size may be -1 for unknown length.
func (s *Store) Put(ctx domain.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("op=objstore.put key=%s: %w: %w", key, domain.ErrStorage, err)
	}
	return nil
}

// Get returns the object body. The caller owns the ReadCloser. Missing keys
// surface as domain.ErrNotFound; minio only reports them on first read, so
// a zero-byte probe runs here.
func (s *Store) Get(ctx domain.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=objstore.get key=%s: %w: %w", key, domain.ErrStorage, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.mapErr("get", key, err)
	}
	return obj, nil
}

func (s *Store) Delete(ctx domain.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return s.mapErr("delete", key, err)
	}
	return nil
}

func (s *Store) Stat(ctx domain.Context, key string) (domain.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return domain.ObjectInfo{}, s.mapErr("stat", key, err)
	}
	return domain.ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType}, nil
}

// Ping verifies the endpoint is reachable, for readiness checks.
func (s *Store) Ping(ctx domain.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("op=objstore.ping: %w", err)
	}
	return nil
}

func (s *Store) mapErr(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("op=objstore.%s key=%s: %w", op, key, domain.ErrNotFound)
	}
	var mErr minio.ErrorResponse
	if errors.As(err, &mErr) && (mErr.Code == "NoSuchKey" || mErr.Code == "NoSuchBucket") {
		return fmt.Errorf("op=objstore.%s key=%s: %w", op, key, domain.ErrNotFound)
	}
	return fmt.Errorf("op=objstore.%s key=%s: %w: %w", op, key, domain.ErrStorage, err)
}
