package manifest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
)

// ReconcileOptions selects what Reconcile checks and whether it repairs.
type ReconcileOptions struct {
	// Prefix limits the orphan scan to keys under it.
	Prefix string
	// Repair unpublishes dangling records so the next run uploads them
	// again, and deletes orphaned objects under Prefix.
	Repair bool
}

// ReconciliationReport compares published records with storage.
type ReconciliationReport struct {
	// DanglingEntries are published records whose object is missing.
	DanglingEntries []PublishedOutput
	// OrphanedObjects are keys no record points to.
	OrphanedObjects []string
	// Repaired lists the output paths unpublished by Repair.
	Repaired []string
	// Deleted lists the orphaned keys removed by Repair.
	Deleted []string

	TotalManifestEntries int
	TotalStorageObjects  int
	RunAt                time.Time
}

// PublishedOutput is a conversion or join output with its object key.
type PublishedOutput struct {
	OutputPath string
	ObjectKey  string
}

// HasIssues reports whether anything is dangling or orphaned.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingEntries) > 0 || len(r.OrphanedObjects) > 0
}

// Reconcile checks that every published output still exists in store and
// lists the objects under opts.Prefix that no output points to.
func Reconcile(ctx context.Context, catalog *SQLiteCatalog, store storage.ObjectStorage, opts ReconcileOptions) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	published, err := catalog.publishedOutputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list published outputs: %w", err)
	}
	report.TotalManifestEntries = len(published)

	known := make(map[string]bool, len(published))
	for _, out := range published {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		known[out.ObjectKey] = true

		ok, err := store.Exists(ctx, out.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to check %s: %w", out.ObjectKey, err)
		}
		if ok {
			continue
		}
		report.DanglingEntries = append(report.DanglingEntries, out)
		if opts.Repair {
			if err := catalog.MarkUnpublished(ctx, out.OutputPath); err != nil {
				return nil, err
			}
			report.Repaired = append(report.Repaired, out.OutputPath)
		}
	}

	keys, err := store.ListObjects(ctx, opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list storage objects: %w", err)
	}
	report.TotalStorageObjects = len(keys)
	for _, key := range keys {
		if known[key] {
			continue
		}
		report.OrphanedObjects = append(report.OrphanedObjects, key)
		if opts.Repair {
			if err := store.Delete(ctx, key); err != nil {
				return nil, fmt.Errorf("reconciliation: %w", err)
			}
			report.Deleted = append(report.Deleted, key)
		}
	}

	if report.HasIssues() {
		log.Printf("reconciliation: %d dangling, %d orphaned, %d unpublished, %d deleted (prefix %q)",
			len(report.DanglingEntries), len(report.OrphanedObjects), len(report.Repaired), len(report.Deleted),
			strings.TrimSuffix(opts.Prefix, "/"))
	}
	return report, nil
}

func (c *SQLiteCatalog) publishedOutputs(ctx context.Context) ([]PublishedOutput, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT output_path, object_key FROM conversions WHERE object_key IS NOT NULL
		UNION ALL
		SELECT output_path, object_key FROM joins WHERE object_key IS NOT NULL
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublishedOutput
	for rows.Next() {
		var p PublishedOutput
		if err := rows.Scan(&p.OutputPath, &p.ObjectKey); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
