package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hyperengineering/canopy/internal/config"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// --- NoopUploader Tests ---

func TestNoopUploader_ReturnsErrNotConfigured(t *testing.T) {
	u := &NoopUploader{}
	if _, err := u.Upload(context.Background(), "dev-1", "/some/path"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Upload() error = %v, want ErrNotConfigured", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), "k"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignedURL() error = %v, want ErrNotConfigured", err)
	}
}

// --- NewUploader factory tests ---

func TestNewUploader_EmptyBucket_ReturnsNoopUploader(t *testing.T) {
	u, err := NewUploader(config.BackupConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithBucket_ReturnsS3Uploader(t *testing.T) {
	useSSL := false
	u, err := NewUploader(config.BackupConfig{
		Bucket:    "census-backups",
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		UseSSL:    &useSSL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "census-backups" {
		t.Errorf("bucket = %q", s3u.bucket)
	}
	if s3u.urlExpiry != DefaultURLExpiry {
		t.Errorf("urlExpiry = %v, want %v", s3u.urlExpiry, DefaultURLExpiry)
	}
}

// --- S3Uploader with mock client tests ---

type mockS3Client struct {
	uploadErr      error
	presignErr     error
	uploads        int
	lastBucket     string
	lastObjectName string
	lastFilePath   string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.uploads++
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.uploadErr
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.lastBucket = bucket
	m.lastObjectName = objectName
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	return url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?presigned=true")
}

func newTestUploader(mock *mockS3Client) *S3Uploader {
	return &S3Uploader{
		client:    mock,
		bucket:    "census-backups",
		urlExpiry: time.Hour,
		now:       func() time.Time { return fixedNow },
	}
}

func TestS3Uploader_Upload_Success(t *testing.T) {
	mock := &mockS3Client{}
	u := newTestUploader(mock)

	key, err := u.Upload(context.Background(), "tablet-7", "/data/state.db")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	want := "tablet-7/state/20260314T092653Z.db"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if mock.uploads != 1 || mock.lastBucket != "census-backups" || mock.lastObjectName != want {
		t.Errorf("upload = %d to %s/%s", mock.uploads, mock.lastBucket, mock.lastObjectName)
	}
	if mock.lastFilePath != "/data/state.db" {
		t.Errorf("filePath = %q", mock.lastFilePath)
	}
}

func TestS3Uploader_Upload_Error(t *testing.T) {
	mock := &mockS3Client{uploadErr: errors.New("network timeout")}
	u := newTestUploader(mock)

	_, err := u.Upload(context.Background(), "tablet-7", "/data/state.db")
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Uploader_Upload_RequiresDevice(t *testing.T) {
	mock := &mockS3Client{}
	u := newTestUploader(mock)

	if _, err := u.Upload(context.Background(), "", "/data/state.db"); err == nil {
		t.Error("Upload() without a device id should fail")
	}
	if mock.uploads != 0 {
		t.Error("nothing should be uploaded without a device id")
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	mock := &mockS3Client{}
	u := newTestUploader(mock)

	link, expiry, err := u.PresignedURL(context.Background(), "tablet-7/state/x.db")
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if link != "https://s3.example.com/census-backups/tablet-7/state/x.db?presigned=true" {
		t.Errorf("url = %q", link)
	}
	if !expiry.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("expiry = %v, want %v", expiry, fixedNow.Add(time.Hour))
	}

	mock.presignErr = errors.New("access denied")
	if _, _, err := u.PresignedURL(context.Background(), "k"); err == nil {
		t.Error("PresignedURL() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"http with port", "http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}
