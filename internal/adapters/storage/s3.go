// Package storage hands finished recording artifacts to durable storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errStorageDisabled = errors.New("recording storage is not configured; set storage.bucket and credentials")

// S3Storage uploads to S3 or any S3-compatible endpoint.
type S3Storage struct {
	bucket   string
	baseURL  string
	client   *s3.Client
	logger   zerolog.Logger
	disabled bool
}

var _ core.Storage = (*S3Storage)(nil)

func NewS3Storage(ctx context.Context, cfg config.StorageConfig) (*S3Storage, error) {
	logger := log.With().Str("module", "storage.s3").Logger()
	st := &S3Storage{
		bucket:  strings.TrimSpace(cfg.Bucket),
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:  logger,
	}

	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if st.bucket == "" || accessKey == "" || secretKey == "" {
		logger.Warn().Msg("storage bucket or credentials are not set; uploads will fail until configured")
		st.disabled = true
		return st, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	st.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return st, nil
}

func (s *S3Storage) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (core.StoredObject, error) {
	if s.disabled {
		return core.StoredObject{}, errStorageDisabled
	}
	f, err := os.Open(localPath)
	if err != nil {
		return core.StoredObject{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return core.StoredObject{}, fmt.Errorf("put object %s: %w", key, err)
	}
	s.logger.Info().Str("key", key).Str("content_type", contentType).Msg("uploaded")
	return core.StoredObject{URL: s.objectURL(key), Key: key, Bucket: s.bucket}, nil
}

func (s *S3Storage) objectURL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// LocalStorage copies artifacts into a directory. Dev only.
type LocalStorage struct {
	dir     string
	baseURL string
}

func NewLocalStorage(dir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStorage) Upload(_ context.Context, localPath, key string, _ map[string]string) (core.StoredObject, error) {
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return core.StoredObject{}, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return core.StoredObject{}, fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return core.StoredObject{}, err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return core.StoredObject{}, err
	}
	if err := out.Close(); err != nil {
		return core.StoredObject{}, err
	}
	url := "file://" + dst
	if s.baseURL != "" {
		url = s.baseURL + "/" + key
	}
	return core.StoredObject{URL: url, Key: key}, nil
}
