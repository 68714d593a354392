package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestNewS3StorageWithClient_Defaults(t *testing.T) {
	client := s3.New(s3.Options{Region: "us-west-2"})

	tests := []struct {
		name        string
		cfg         S3Config
		partSize    int64
		concurrency int
		retries     int
	}{
		{"zero", S3Config{}, DefaultPartSize, DefaultPartConcurrency, 0},
		{"small parts", S3Config{PartSize: 1024, PartConcurrency: 2, MaxRetries: 5}, minPartSize, 2, 5},
		{"negative retries", S3Config{PartSize: 64 << 20, MaxRetries: -1}, 64 << 20, DefaultPartConcurrency, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewS3StorageWithClient(client, "bucket", tt.cfg)
			if s.cfg.PartSize != tt.partSize {
				t.Errorf("PartSize = %d, want %d", s.cfg.PartSize, tt.partSize)
			}
			if s.cfg.PartConcurrency != tt.concurrency {
				t.Errorf("PartConcurrency = %d, want %d", s.cfg.PartConcurrency, tt.concurrency)
			}
			if s.cfg.MaxRetries != tt.retries {
				t.Errorf("MaxRetries = %d, want %d", s.cfg.MaxRetries, tt.retries)
			}
		})
	}
}

func TestS3Storage_Retry(t *testing.T) {
	s := NewS3StorageWithClient(s3.New(s3.Options{Region: "us-west-2"}), "bucket", S3Config{MaxRetries: 2})
	boom := errors.New("boom")

	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Errorf("expected 3 calls ending in boom, got %d calls and %v", calls, err)
	}

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return boom
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("expected success on second call, got %d calls and %v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls = 0
	err = s.retry(ctx, func() error {
		calls++
		cancel()
		return boom
	})
	if calls != 1 || err == nil {
		t.Errorf("expected a single call after cancel, got %d calls and %v", calls, err)
	}
}
