package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/gotmc/specsweep"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const (
	contentCSV  = "text/csv"
	contentXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Bucket is the part of *minio.Client the object sink uses.
type Bucket interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectConfig addresses an S3-compatible store.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	SSL       bool
}

// NewMinIOClient connects to the store; no request is made yet.
func NewMinIOClient(cfg ObjectConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.SSL,
		Region: cfg.Region,
	})
}

// ObjectSink uploads the CSV table and the workbook of each result.
type ObjectSink struct {
	client Bucket
	bucket string
	prefix string
	region string
	log    zerolog.Logger
}

var _ specsweep.Sink = (*ObjectSink)(nil)

func NewObjectSink(client Bucket, cfg ObjectConfig, log zerolog.Logger) *ObjectSink {
	return &ObjectSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, region: cfg.Region, log: log}
}

// EnsureBucket creates the bucket when it is missing.
func (s *ObjectSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s exists: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Key is the object name for r with the given extension.
func (s *ObjectSink) Key(r *specsweep.Result, ext string) string {
	return path.Join(s.prefix, r.Mode.String(), FileName(r, ext))
}

func (s *ObjectSink) Save(ctx context.Context, r *specsweep.Result) error {
	var table, book bytes.Buffer
	if err := WriteTable(&table, r); err != nil {
		return err
	}
	if err := WriteWorkbook(&book, r); err != nil {
		return err
	}
	meta := map[string]string{
		"run-id": r.RunID.String(),
		"mode":   r.Mode.String(),
		"name":   r.Name,
	}
	for _, obj := range []struct {
		ext, contentType string
		body             *bytes.Buffer
	}{
		{".csv", contentCSV, &table},
		{".xlsx", contentXLSX, &book},
	} {
		key := s.Key(r, obj.ext)
		info, err := s.client.PutObject(ctx, s.bucket, key, obj.body, int64(obj.body.Len()), minio.PutObjectOptions{
			ContentType:  obj.contentType,
			UserMetadata: meta,
		})
		if err != nil {
			return fmt.Errorf("upload %s/%s: %w", s.bucket, key, err)
		}
		s.log.Info().Str("bucket", s.bucket).Str("key", key).Int64("size", info.Size).Msg("result uploaded")
	}
	return nil
}
