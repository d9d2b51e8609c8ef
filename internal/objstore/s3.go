package objstore

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// S3 is a bucket on AWS S3 or any S3-compatible store.
type S3 struct {
	client *minio.Client
	bucket string
}

func newS3(d uri.Descriptor) (*S3, error) {
	secure := true
	if s := d.Param("secure", ""); s != "" {
		secure, _ = strconv.ParseBool(s)
	}
	client, err := minio.New(d.Param("endpoint", "s3.amazonaws.com"), &minio.Options{
		Creds:  credentials.NewStaticV4(d.Param("access_key_id", ""), d.Param("access_key_secret", ""), ""),
		Secure: secure,
		Region: d.Param("region", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &S3{client: client, bucket: d.Host}, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3: list %s/%s: %w", s.bucket, prefix, obj.Err)
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	sortObjects(out)
	return out, nil
}

func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	return obj, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *S3) Close() error { return nil }
