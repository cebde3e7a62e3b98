package blobstore

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
)

func newTestS3(t *testing.T, cfg S3Config) *S3 {
	t.Helper()
	cfg.AccessKey, cfg.SecretKey = "access", "secret"
	s, err := NewS3(cfg)
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	return s
}

func TestS3URL(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		key  string
		want string
	}{
		{
			name: "virtual host",
			cfg:  S3Config{Endpoint: "s3.example.com", Bucket: "media"},
			key:  "uploads/user/1/a.png",
			want: "https://media.s3.example.com/uploads/user/1/a.png",
		},
		{
			name: "path style insecure",
			cfg:  S3Config{Endpoint: "localhost:9000", Bucket: "media", Insecure: true, ForcePathStyle: true},
			key:  "uploads/a.png",
			want: "http://localhost:9000/media/uploads/a.png",
		},
		{
			name: "region endpoint with prefix",
			cfg:  S3Config{Region: "eu-west-1", Bucket: "media", Prefix: "/tenant/"},
			key:  "uploads/a.png",
			want: "https://media.s3.eu-west-1.amazonaws.com/tenant/uploads/a.png",
		},
		{
			name: "base url wins",
			cfg:  S3Config{Endpoint: "s3.example.com", Bucket: "media", Prefix: "tenant", BaseURL: "https://cdn.example.com/"},
			key:  "uploads/a.png",
			want: "https://cdn.example.com/tenant/uploads/a.png",
		},
		{
			name: "invalid key",
			cfg:  S3Config{Endpoint: "s3.example.com", Bucket: "media"},
			key:  "../escape.png",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := newTestS3(t, tc.cfg).URL(tc.key); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestS3ObjectKey(t *testing.T) {
	s := newTestS3(t, S3Config{Endpoint: "s3.example.com", Bucket: "media", Prefix: "tenant"})
	got, err := s.object(`uploads\user//1/./a.png`)
	if err != nil || got != "tenant/uploads/user/1/a.png" {
		t.Fatalf("unexpected object key %q (err: %v)", got, err)
	}
	for _, key := range []string{"", "/abs.png", "..", "../up.png"} {
		if _, err := s.object(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}

	if _, err := NewS3(S3Config{Endpoint: "s3.example.com"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func TestS3IsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "status", err: minio.ErrorResponse{StatusCode: http.StatusNotFound}, want: true},
		{name: "code", err: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusOK}, want: true},
		{name: "denied", err: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, want: false},
		{name: "plain", err: errors.New("connection reset"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
