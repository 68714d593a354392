// Package manifest provides the conversion catalog (manifest.db): which
// granules were converted, with which schema and codec, which joins were
// written from them, and where each output was published.
package manifest

// CreateConversionsTableSQL creates the conversions table. One row per
// GeoParquet output; a granule converted with two codecs has two rows.
const CreateConversionsTableSQL = `
CREATE TABLE IF NOT EXISTS conversions (
    output_path TEXT PRIMARY KEY,
    granule_id TEXT NOT NULL,
    collection TEXT NOT NULL,
    orbit_key TEXT NOT NULL,
    source_path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    codec TEXT NOT NULL,
    schema_fingerprint TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 0,
    object_key TEXT,
    etag TEXT,
    created_at INTEGER NOT NULL
)`

// CreateJoinsTableSQL creates the joins table. inputs holds the JSON list
// of input output_paths in join order.
const CreateJoinsTableSQL = `
CREATE TABLE IF NOT EXISTS joins (
    output_path TEXT PRIMARY KEY,
    orbit_key TEXT NOT NULL,
    collections TEXT NOT NULL,
    inputs TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    object_key TEXT,
    etag TEXT,
    created_at INTEGER NOT NULL
)`

// CreateSchemaVersionsTableSQL creates the schema versions table. A
// collection gets a new version whenever its artifact fingerprint changes.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    collection TEXT NOT NULL,
    version INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    artifact_path TEXT NOT NULL,
    field_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (collection, version)
)`

// CreateIndexesSQL creates the lookup indexes.
var CreateIndexesSQL = []string{
	// Matched-set grouping
	`CREATE INDEX IF NOT EXISTS idx_conversions_orbit ON conversions(orbit_key, collection, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_conversions_granule ON conversions(granule_id)`,

	`CREATE INDEX IF NOT EXISTS idx_joins_orbit ON joins(orbit_key, collections)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateConversionsTableSQL,
		CreateJoinsTableSQL,
		CreateSchemaVersionsTableSQL,
	}
	statements = append(statements, CreateIndexesSQL...)
	return statements
}
