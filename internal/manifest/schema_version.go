package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersionManager tracks schema artifact versions per collection.
// Each distinct fingerprint registered for a collection gets the next
// version number.
type SchemaVersionManager struct {
	catalog *SQLiteCatalog
}

// NewSchemaVersionManager creates a version manager on the catalog's database.
func NewSchemaVersionManager(catalog *SQLiteCatalog) *SchemaVersionManager {
	return &SchemaVersionManager{catalog: catalog}
}

// SchemaVersionRecord represents a stored schema version.
type SchemaVersionRecord struct {
	Collection   string
	Version      int
	Fingerprint  string
	ArtifactPath string
	FieldCount   int
	CreatedAt    time.Time
}

// GetCurrentVersion returns the latest version of a collection's schema,
// or nil when none is registered.
func (m *SchemaVersionManager) GetCurrentVersion(ctx context.Context, collection string) (*SchemaVersionRecord, error) {
	row := m.catalog.readDB.QueryRowContext(ctx, `
		SELECT collection, version, fingerprint, artifact_path, field_count, created_at
		FROM schema_versions WHERE collection = ? ORDER BY version DESC LIMIT 1`, collection)
	rec, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema_version: failed to get current version of %s: %w", collection, err)
	}
	return rec, nil
}

// RegisterSchema records a schema fingerprint for a collection. If the
// fingerprint equals the current version's, that version is returned and
// created is false.
func (m *SchemaVersionManager) RegisterSchema(ctx context.Context, collection, fingerprint, artifactPath string, fieldCount int) (version int, created bool, err error) {
	current, err := m.GetCurrentVersion(ctx, collection)
	if err != nil {
		return 0, false, err
	}
	if current != nil && current.Fingerprint == fingerprint {
		return current.Version, false, nil
	}

	version = 1
	if current != nil {
		version = current.Version + 1
	}

	m.catalog.mu.Lock()
	defer m.catalog.mu.Unlock()

	_, err = m.catalog.db.ExecContext(ctx, `
		INSERT INTO schema_versions (collection, version, fingerprint, artifact_path, field_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		collection, version, fingerprint, artifactPath, fieldCount, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("schema_version: failed to insert %s version %d: %w", collection, version, err)
	}
	return version, true, nil
}

// ListVersions returns a collection's versions in ascending order.
func (m *SchemaVersionManager) ListVersions(ctx context.Context, collection string) ([]SchemaVersionRecord, error) {
	rows, err := m.catalog.readDB.QueryContext(ctx, `
		SELECT collection, version, fingerprint, artifact_path, field_count, created_at
		FROM schema_versions WHERE collection = ? ORDER BY version ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("schema_version: failed to list versions: %w", err)
	}
	defer rows.Close()

	var records []SchemaVersionRecord
	for rows.Next() {
		rec, err := scanSchemaVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("schema_version: failed to scan version: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_version: error iterating versions: %w", err)
	}
	return records, nil
}

func scanSchemaVersion(s scanner) (*SchemaVersionRecord, error) {
	var rec SchemaVersionRecord
	var createdAt int64
	if err := s.Scan(&rec.Collection, &rec.Version, &rec.Fingerprint, &rec.ArtifactPath, &rec.FieldCount, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}
