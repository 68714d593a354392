package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("manifest: record not found")

// Catalog tracks conversion and join outputs in manifest.db.
type Catalog interface {
	// RecordConversion inserts or replaces the record for rec.OutputPath.
	RecordConversion(ctx context.Context, rec *ConversionRecord) error

	// GetConversion retrieves the record of one output file.
	GetConversion(ctx context.Context, outputPath string) (*ConversionRecord, error)

	// FindConversions returns conversions matching the filter, ordered by
	// orbit key, collection, then output path.
	FindConversions(ctx context.Context, filter ConversionFilter) ([]*ConversionRecord, error)

	// MatchedSets groups the newest conversion of each collection by orbit
	// key, keeping only orbits converted for every collection.
	MatchedSets(ctx context.Context, collections []string) ([]*MatchedSet, error)

	// RecordJoin inserts or replaces the record for rec.OutputPath.
	RecordJoin(ctx context.Context, rec *JoinRecord) error

	// GetJoin retrieves the record of one joined file.
	GetJoin(ctx context.Context, outputPath string) (*JoinRecord, error)

	// MarkPublished stores the object key and ETag of a published output.
	MarkPublished(ctx context.Context, outputPath, objectKey, etag string) error
	MarkUnpublished(ctx context.Context, outputPath string) error

	// PruneMissing deletes records whose output file no longer exists and
	// returns their paths.
	PruneMissing(ctx context.Context) ([]string, error)

	// Close closes the catalog database connections.
	Close() error
}

// ConversionRecord describes one GeoParquet file converted from a granule.
type ConversionRecord struct {
	OutputPath        string
	GranuleID         string
	Collection        string
	OrbitKey          string
	SourcePath        string
	RowCount          int64
	SizeBytes         int64
	Codec             string
	SchemaFingerprint string
	SchemaVersion     int
	ObjectKey         string
	ETag              string
	CreatedAt         time.Time
}

// ConversionFilter restricts FindConversions. Empty fields match all.
type ConversionFilter struct {
	Collection string
	OrbitKey   string
	GranuleID  string
	// Unpublished selects records without an object key.
	Unpublished bool
}

// JoinRecord describes one joined file.
type JoinRecord struct {
	OutputPath  string
	OrbitKey    string
	Collections []string
	Inputs      []string
	RowCount    int64
	SizeBytes   int64
	ObjectKey   string
	ETag        string
	CreatedAt   time.Time
}

// MatchedSet is one orbit's conversions, ordered like the requested
// collections, with the latest join written from those collections.
type MatchedSet struct {
	OrbitKey string
	Inputs   []*ConversionRecord
	Joined   *JoinRecord
}

// InputPaths returns the output paths of the set's conversions in order.
func (m *MatchedSet) InputPaths() []string {
	paths := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		paths[i] = in.OutputPath
	}
	return paths
}

// Stale reports whether the set needs joining: it was never joined, the
// inputs changed, or an input was converted after the join was written.
func (m *MatchedSet) Stale() bool {
	if m.Joined == nil {
		return true
	}
	inputs := m.InputPaths()
	if len(inputs) != len(m.Joined.Inputs) {
		return true
	}
	for i := range inputs {
		if inputs[i] != m.Joined.Inputs[i] {
			return true
		}
		if m.Inputs[i].CreatedAt.After(m.Joined.CreatedAt) {
			return true
		}
	}
	return false
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex // Write-only lock

	upsertConversionStmt *sql.Stmt
}

const conversionColumns = `output_path, granule_id, collection, orbit_key, source_path,
	row_count, size_bytes, codec, schema_fingerprint, schema_version, object_key, etag, created_at`

const joinColumns = `output_path, orbit_key, collections, inputs, row_count, size_bytes,
	object_key, etag, created_at`

// NewCatalog opens or creates the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	catalog := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := catalog.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	catalog.upsertConversionStmt, err = db.Prepare(`
		INSERT INTO conversions (` + conversionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(output_path) DO UPDATE SET
			granule_id = excluded.granule_id,
			collection = excluded.collection,
			orbit_key = excluded.orbit_key,
			source_path = excluded.source_path,
			row_count = excluded.row_count,
			size_bytes = excluded.size_bytes,
			codec = excluded.codec,
			schema_fingerprint = excluded.schema_fingerprint,
			schema_version = excluded.schema_version,
			object_key = excluded.object_key,
			etag = excluded.etag,
			created_at = excluded.created_at`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to prepare insert statement: %w", err)
	}

	return catalog, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (c *SQLiteCatalog) Path() string { return c.dbPath }

// RecordConversion inserts or replaces a conversion record. A zero
// CreatedAt is set to the current time.
func (c *SQLiteCatalog) RecordConversion(ctx context.Context, rec *ConversionRecord) error {
	if rec.OutputPath == "" {
		return fmt.Errorf("manifest: conversion record without output path")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.upsertConversionStmt.ExecContext(ctx,
		rec.OutputPath, rec.GranuleID, rec.Collection, rec.OrbitKey, rec.SourcePath,
		rec.RowCount, rec.SizeBytes, rec.Codec, rec.SchemaFingerprint, rec.SchemaVersion,
		nullable(rec.ObjectKey), nullable(rec.ETag), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to record conversion %s: %w", rec.OutputPath, err)
	}
	return nil
}

// GetConversion retrieves the record of one output file.
func (c *SQLiteCatalog) GetConversion(ctx context.Context, outputPath string) (*ConversionRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+conversionColumns+" FROM conversions WHERE output_path = ?", outputPath)
	rec, err := scanConversion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversion %s", ErrNotFound, outputPath)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to get conversion: %w", err)
	}
	return rec, nil
}

// FindConversions returns conversions matching the filter.
func (c *SQLiteCatalog) FindConversions(ctx context.Context, filter ConversionFilter) ([]*ConversionRecord, error) {
	var where []string
	var args []interface{}
	if filter.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, filter.Collection)
	}
	if filter.OrbitKey != "" {
		where = append(where, "orbit_key = ?")
		args = append(args, filter.OrbitKey)
	}
	if filter.GranuleID != "" {
		where = append(where, "granule_id = ?")
		args = append(args, filter.GranuleID)
	}
	if filter.Unpublished {
		where = append(where, "object_key IS NULL")
	}

	query := "SELECT " + conversionColumns + " FROM conversions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY orbit_key, collection, output_path"

	return c.queryConversions(ctx, query, args...)
}

func (c *SQLiteCatalog) queryConversions(ctx context.Context, query string, args ...interface{}) ([]*ConversionRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query conversions: %w", err)
	}
	defer rows.Close()

	var records []*ConversionRecord
	for rows.Next() {
		rec, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan conversion: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating conversions: %w", err)
	}
	return records, nil
}

// MatchedSets groups conversions by orbit key. For each orbit converted in
// every requested collection the newest conversion per collection is
// chosen. Sets are ordered by orbit key.
func (c *SQLiteCatalog) MatchedSets(ctx context.Context, collections []string) ([]*MatchedSet, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(collections)), ", ")
	args := make([]interface{}, len(collections))
	position := make(map[string]int, len(collections))
	for i, coll := range collections {
		args[i] = coll
		position[coll] = i
	}

	records, err := c.queryConversions(ctx,
		"SELECT "+conversionColumns+" FROM conversions WHERE collection IN ("+placeholders+")"+
			" ORDER BY orbit_key, collection, created_at DESC, output_path", args...)
	if err != nil {
		return nil, err
	}

	var sets []*MatchedSet
	var cur *MatchedSet
	flush := func() {
		if cur == nil {
			return
		}
		for _, in := range cur.Inputs {
			if in == nil {
				return
			}
		}
		sets = append(sets, cur)
	}
	for _, rec := range records {
		if cur == nil || cur.OrbitKey != rec.OrbitKey {
			flush()
			cur = &MatchedSet{OrbitKey: rec.OrbitKey, Inputs: make([]*ConversionRecord, len(collections))}
		}
		if i := position[rec.Collection]; cur.Inputs[i] == nil {
			cur.Inputs[i] = rec
		}
	}
	flush()

	key := strings.Join(collections, ",")
	for _, set := range sets {
		row := c.readDB.QueryRowContext(ctx,
			"SELECT "+joinColumns+" FROM joins WHERE orbit_key = ? AND collections = ?"+
				" ORDER BY created_at DESC LIMIT 1", set.OrbitKey, key)
		j, err := scanJoin(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to get join for %s: %w", set.OrbitKey, err)
		}
		set.Joined = j
	}
	return sets, nil
}

// RecordJoin inserts or replaces a join record. A zero CreatedAt is set to
// the current time.
func (c *SQLiteCatalog) RecordJoin(ctx context.Context, rec *JoinRecord) error {
	if rec.OutputPath == "" {
		return fmt.Errorf("manifest: join record without output path")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	inputsJSON, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal join inputs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO joins ("+joinColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.OutputPath, rec.OrbitKey, strings.Join(rec.Collections, ","), string(inputsJSON),
		rec.RowCount, rec.SizeBytes, nullable(rec.ObjectKey), nullable(rec.ETag), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to record join %s: %w", rec.OutputPath, err)
	}
	return nil
}

// GetJoin retrieves the record of one joined file.
func (c *SQLiteCatalog) GetJoin(ctx context.Context, outputPath string) (*JoinRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+joinColumns+" FROM joins WHERE output_path = ?", outputPath)
	rec, err := scanJoin(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: join %s", ErrNotFound, outputPath)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to get join: %w", err)
	}
	return rec, nil
}

// MarkPublished sets the object key and ETag on the conversion or join
// whose output is outputPath.
func (c *SQLiteCatalog) MarkPublished(ctx context.Context, outputPath, objectKey, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var updated int64
	for _, table := range []string{"conversions", "joins"} {
		res, err := tx.ExecContext(ctx,
			"UPDATE "+table+" SET object_key = ?, etag = ? WHERE output_path = ?",
			objectKey, nullable(etag), outputPath)
		if err != nil {
			return fmt.Errorf("manifest: failed to mark %s published: %w", outputPath, err)
		}
		n, _ := res.RowsAffected()
		updated += n
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, outputPath)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit transaction: %w", err)
	}
	return nil
}

// MarkUnpublished clears the object key and ETag of an output so that the
// next run publishes it again.
func (c *SQLiteCatalog) MarkUnpublished(ctx context.Context, outputPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var updated int64
	for _, table := range []string{"conversions", "joins"} {
		res, err := c.db.ExecContext(ctx,
			"UPDATE "+table+" SET object_key = NULL, etag = NULL WHERE output_path = ?", outputPath)
		if err != nil {
			return fmt.Errorf("manifest: failed to unpublish %s: %w", outputPath, err)
		}
		n, _ := res.RowsAffected()
		updated += n
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, outputPath)
	}
	return nil
}

// PruneMissing deletes conversion and join records whose output file is
// gone from the local filesystem.
func (c *SQLiteCatalog) PruneMissing(ctx context.Context) ([]string, error) {
	var candidates []string
	for _, table := range []string{"conversions", "joins"} {
		rows, err := c.readDB.QueryContext(ctx, "SELECT output_path FROM "+table+" ORDER BY output_path")
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to list %s: %w", table, err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, fmt.Errorf("manifest: failed to scan output path: %w", err)
			}
			if _, err := os.Stat(p); os.IsNotExist(err) {
				candidates = append(candidates, p)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("manifest: error iterating %s: %w", table, err)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range candidates {
		for _, table := range []string{"conversions", "joins"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE output_path = ?", p); err != nil {
				return nil, fmt.Errorf("manifest: failed to delete %s: %w", p, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("manifest: failed to commit transaction: %w", err)
	}

	log.Printf("manifest: pruned %d records with missing outputs", len(candidates))
	return candidates, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.upsertConversionStmt != nil {
		c.upsertConversionStmt.Close()
	}
	if err := c.readDB.Close(); err != nil {
		log.Printf("manifest: failed to close read database: %v", err)
	}
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversion(s scanner) (*ConversionRecord, error) {
	var rec ConversionRecord
	var objectKey, etag *string
	var createdAt int64
	err := s.Scan(
		&rec.OutputPath, &rec.GranuleID, &rec.Collection, &rec.OrbitKey, &rec.SourcePath,
		&rec.RowCount, &rec.SizeBytes, &rec.Codec, &rec.SchemaFingerprint, &rec.SchemaVersion,
		&objectKey, &etag, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ObjectKey = deref(objectKey)
	rec.ETag = deref(etag)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

func scanJoin(s scanner) (*JoinRecord, error) {
	var rec JoinRecord
	var collections, inputs string
	var objectKey, etag *string
	var createdAt int64
	err := s.Scan(
		&rec.OutputPath, &rec.OrbitKey, &collections, &inputs, &rec.RowCount, &rec.SizeBytes,
		&objectKey, &etag, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if collections != "" {
		rec.Collections = strings.Split(collections, ",")
	}
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("join inputs of %s: %w", rec.OutputPath, err)
	}
	rec.ObjectKey = deref(objectKey)
	rec.ETag = deref(etag)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
