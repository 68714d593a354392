package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// PendingFile is a local output written under a temporary sibling name and
// moved to its final path only by Commit. A reader never observes a
// partially written file at the final path.
type PendingFile struct {
	*os.File
	dest     string
	closed   bool
	closeErr error
}

// CreatePending creates <dest>.tmp-<id> next to dest, creating the parent
// directory if needed.
func CreatePending(dest string) (*PendingFile, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("storage: create directory for %s: %w", dest, err)
	}
	tmp := fmt.Sprintf("%s.tmp-%s", dest, uuid.New().String()[:8])
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &PendingFile{File: f, dest: dest}, nil
}

var pendingName = regexp.MustCompile(`\.tmp-[0-9a-f]{8}$`)

func isPending(path string) bool {
	return pendingName.MatchString(path)
}

// Dest returns the final path.
func (p *PendingFile) Dest() string { return p.dest }

// Close flushes and closes the temporary file without publishing it. It
// lets a PendingFile be handed to writers that close their sink.
func (p *PendingFile) Close() error {
	if p.closed {
		return p.closeErr
	}
	p.closed = true
	if err := p.File.Sync(); err != nil {
		p.File.Close()
		p.closeErr = err
		return err
	}
	p.closeErr = p.File.Close()
	return p.closeErr
}

// Commit closes the file if needed and renames it to its final path.
func (p *PendingFile) Commit() error {
	tmp := p.File.Name()
	if err := p.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p.dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Abort closes and removes the temporary file. It is safe to call after
// Commit, where it does nothing.
func (p *PendingFile) Abort() {
	tmp := p.File.Name()
	if !p.closed {
		p.closed = true
		p.File.Close()
	}
	os.Remove(tmp)
}

// WriteFileAtomic writes data to path through a pending file.
func WriteFileAtomic(path string, data []byte) error {
	p, err := CreatePending(path)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		p.Abort()
		return err
	}
	return p.Commit()
}
