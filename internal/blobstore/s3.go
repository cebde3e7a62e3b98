package blobstore

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3BackendName = "s3"

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	BaseURL        string
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 constructs an S3 backend. Credentials fall back to the environment
// chain when no static keys are configured.
func NewS3(cfg S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Endpoint = endpoint
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{client: client, cfg: cfg}, nil
}

// Name identifies the backend kind.
func (s *S3) Name() string {
	return s3BackendName
}

// Put uploads the file at localPath.
func (s *S3) Put(ctx context.Context, localPath, destPath string) error {
	object, err := s.object(destPath)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentTypeFor(destPath)}
	if _, err := s.client.FPutObject(ctx, s.cfg.Bucket, object, localPath, opts); err != nil {
		return fmt.Errorf("s3: put %s: %w", object, err)
	}
	return nil
}

// Open streams an object.
func (s *S3) Open(ctx context.Context, destPath string) (io.ReadCloser, error) {
	object, err := s.object(destPath)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3: get %s: %w", object, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3: stat %s: %w", object, err)
	}
	return obj, nil
}

// Delete removes an object; missing objects are ignored.
func (s *S3) Delete(ctx context.Context, destPath string) error {
	object, err := s.object(destPath)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("s3: remove %s: %w", object, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (s *S3) Exists(ctx context.Context, destPath string) (bool, error) {
	object, err := s.object(destPath)
	if err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: stat %s: %w", object, err)
	}
	return true, nil
}

// URL returns the public URL of an object.
func (s *S3) URL(destPath string) string {
	object, err := s.object(destPath)
	if err != nil {
		return ""
	}
	if s.cfg.BaseURL != "" {
		return joinURL(s.cfg.BaseURL, object)
	}
	scheme := "https"
	if s.cfg.Insecure {
		scheme = "http"
	}
	if s.cfg.ForcePathStyle {
		return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket, object)
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, s.cfg.Bucket, s.cfg.Endpoint, object)
}

func (s *S3) object(destPath string) (string, error) {
	key, err := CleanKey(destPath)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix == "" {
		return key, nil
	}
	return path.Join(s.cfg.Prefix, key), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
