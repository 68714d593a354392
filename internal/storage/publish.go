package storage

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
)

// Publisher uploads finished outputs under <prefix>/<kind>/<file name>.
type Publisher struct {
	storage     ObjectStorage
	prefix      string
	concurrency int
	// SkipExisting leaves objects that already exist untouched.
	SkipExisting bool
}

// Published describes one uploaded file.
type Published struct {
	LocalPath string
	Key       string
	ETag      string
	// Skipped is set when the object already existed.
	Skipped bool
}

// PublishResult contains the outcome of a batch upload. Keys are local
// paths.
type PublishResult struct {
	Objects  map[string]Published
	Errors   map[string]error
	Uploaded int
	Skipped  int
}

// Err returns the first error by local path, or nil.
func (r *PublishResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Errors))
	for p := range r.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return r.Errors[paths[0]]
}

// NewPublisher creates a publisher with at most concurrency uploads in
// flight.
func NewPublisher(storage ObjectStorage, prefix string, concurrency int) *Publisher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Publisher{
		storage:     storage,
		prefix:      prefix,
		concurrency: concurrency,
	}
}

// Key returns the object key of a local file of the given kind.
func (p *Publisher) Key(kind, localPath string) string {
	return path.Join(p.prefix, kind, filepath.Base(localPath))
}

// Publish uploads one file.
func (p *Publisher) Publish(ctx context.Context, kind, localPath string) (Published, error) {
	key := p.Key(kind, localPath)
	out := Published{LocalPath: localPath, Key: key}
	if p.SkipExisting {
		exists, err := p.storage.Exists(ctx, key)
		if err != nil {
			return out, gerrors.NewStorageError(gerrors.CodeUploadFailed, "check "+key, err)
		}
		if exists {
			out.Skipped = true
			return out, nil
		}
	}
	etag, err := p.storage.Upload(ctx, localPath, key)
	if err != nil {
		return out, gerrors.NewStorageError(gerrors.CodeUploadFailed, "upload "+key, err).
			WithDetails(map[string]interface{}{"path": localPath, "key": key})
	}
	out.ETag = etag
	log.Printf("storage: published %s", key)
	return out, nil
}

// PublishAll uploads files in parallel. Failures are collected per file;
// the returned error is only set when ctx ends before every upload started.
func (p *Publisher) PublishAll(ctx context.Context, kind string, localPaths []string) (*PublishResult, error) {
	result := &PublishResult{
		Objects: make(map[string]Published),
		Errors:  make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var acquireErr error

	for _, lp := range localPaths {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			acquireErr = fmt.Errorf("storage: publish cancelled: %w", err)
			break
		}

		wg.Add(1)
		go func(local string) {
			defer sem.Release(1)
			defer wg.Done()

			pub, err := p.Publish(ctx, kind, local)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[local] = err
				return
			}
			result.Objects[local] = pub
			if pub.Skipped {
				result.Skipped++
			} else {
				result.Uploaded++
			}
		}(lp)
	}

	wg.Wait()
	return result, acquireErr
}
