package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
)

// ArtifactExt is the conventional suffix of a schema artifact.
const ArtifactExt = ".arrows"

// Marshal encodes a schema as an Arrow IPC stream holding no record
// batches. Equal schemas encode to equal bytes.
func Marshal(s *arrow.Schema) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(s))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a schema-only IPC stream.
func Unmarshal(data []byte) (*arrow.Schema, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}

// Fingerprint is the hex SHA-256 of the encoded schema.
func Fingerprint(s *arrow.Schema) (string, error) {
	data, err := Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteArtifact persists a schema to path. The file appears only once fully
// written. When skipUnchanged is set and path already holds identical bytes,
// the file is left untouched and written reports false.
func WriteArtifact(path string, s *arrow.Schema, skipUnchanged bool) (written bool, err error) {
	data, err := Marshal(s)
	if err != nil {
		return false, err
	}
	if skipUnchanged {
		if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
			return false, nil
		}
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return false, fmt.Errorf("schema: write %s: %w", path, err)
	}
	return true, nil
}

// ReadArtifact loads a schema artifact.
func ReadArtifact(path string) (*arrow.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
