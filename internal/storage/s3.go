package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPartSize        = 16 << 20
	DefaultPartConcurrency = 4

	// S3 rejects parts below 5 MiB except the last.
	minPartSize = 5 << 20
)

// S3Config configures S3Storage.
type S3Config struct {
	Region string
	// Endpoint selects an S3-compatible service such as MinIO.
	Endpoint     string
	UsePathStyle bool

	// Files larger than PartSize are uploaded in parts, PartConcurrency
	// at a time.
	PartSize        int64
	PartConcurrency int

	// MaxRetries bounds the retries of each request.
	MaxRetries int
}

// DefaultS3Config returns the settings used when the configuration leaves
// them unset.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-west-2",
		PartSize:        DefaultPartSize,
		PartConcurrency: DefaultPartConcurrency,
		MaxRetries:      3,
	}
}

// S3Storage publishes to an S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage creates a client from the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	def := DefaultS3Config()
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if cfg.PartSize < minPartSize {
		cfg.PartSize = minPartSize
	}
	if cfg.PartConcurrency <= 0 {
		cfg.PartConcurrency = def.PartConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}
}

// Upload sends localPath with a single PUT, or in parts when it is larger
// than PartSize. The returned ETag is unquoted.
func (s *S3Storage) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	size := fi.Size()
	contentType := ContentType(localPath)

	var etag string
	if size <= s.cfg.PartSize {
		err = s.retry(ctx, func() error {
			resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          io.NewSectionReader(f, 0, size),
				ContentLength: aws.Int64(size),
				ContentType:   aws.String(contentType),
			})
			if err != nil {
				return err
			}
			etag = aws.ToString(resp.ETag)
			return nil
		})
	} else {
		etag, err = s.uploadParts(ctx, f, size, key, contentType)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return strings.Trim(etag, `"`), nil
}

func (s *S3Storage) uploadParts(ctx context.Context, f *os.File, size int64, key, contentType string) (string, error) {
	var created *s3.CreateMultipartUploadOutput
	err := s.retry(ctx, func() (err error) {
		created, err = s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	n := int((size + s.cfg.PartSize - 1) / s.cfg.PartSize)
	parts := make([]types.CompletedPart, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PartConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			offset := int64(i) * s.cfg.PartSize
			length := min(s.cfg.PartSize, size-offset)
			number := aws.Int32(int32(i + 1))
			return s.retry(gctx, func() error {
				resp, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucket),
					Key:           aws.String(key),
					UploadId:      uploadID,
					PartNumber:    number,
					Body:          io.NewSectionReader(f, offset, length),
					ContentLength: aws.Int64(length),
				})
				if err != nil {
					return fmt.Errorf("part %d: %w", i+1, err)
				}
				parts[i] = types.CompletedPart{ETag: resp.ETag, PartNumber: number}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(key, uploadID)
		return "", err
	}

	var done *s3.CompleteMultipartUploadOutput
	err = s.retry(ctx, func() (err error) {
		done, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		return err
	})
	if err != nil {
		s.abort(key, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// abort discards uploaded parts. It runs on its own context so that a
// cancelled upload is still cleaned up.
func (s *S3Storage) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		log.Printf("storage: abort upload of %s: %v", key, err)
	}
}

// Delete removes an object.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

// Exists reports whether HEAD finds the object.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.retry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		var notFound *types.NotFound
		switch {
		case errors.As(err, &notFound):
			found = false
			return nil
		case err != nil:
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// ListObjects pages through every key under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// retry runs op until it succeeds, ctx ends, or MaxRetries retries have
// failed. The wait starts at 100ms and doubles.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	wait := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || attempt >= s.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
}
