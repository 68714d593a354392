package manifest

import (
	"context"
	"testing"
)

func TestSchemaVersionManager_RegisterSchema(t *testing.T) {
	catalog := newTestCatalog(t)
	mgr := NewSchemaVersionManager(catalog)
	ctx := context.Background()

	current, err := mgr.GetCurrentVersion(ctx, "L2A")
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if current != nil {
		t.Fatalf("expected no version, got %+v", current)
	}

	v, created, err := mgr.RegisterSchema(ctx, "L2A", "f1", "/schemas/l2a.arrows", 40)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if v != 1 || !created {
		t.Errorf("expected new version 1, got %d (created=%v)", v, created)
	}

	// Same fingerprint: no new version.
	v, created, err = mgr.RegisterSchema(ctx, "L2A", "f1", "/schemas/l2a.arrows", 40)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if v != 1 || created {
		t.Errorf("expected existing version 1, got %d (created=%v)", v, created)
	}

	// Versions are per collection.
	v, _, err = mgr.RegisterSchema(ctx, "L2B", "f1", "/schemas/l2b.arrows", 12)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if v != 1 {
		t.Errorf("expected L2B version 1, got %d", v)
	}

	v, created, err = mgr.RegisterSchema(ctx, "L2A", "f2", "/schemas/l2a.arrows", 41)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if v != 2 || !created {
		t.Errorf("expected new version 2, got %d (created=%v)", v, created)
	}

	versions, err := mgr.ListVersions(ctx, "L2A")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Fingerprint != "f1" || versions[1].Fingerprint != "f2" || versions[1].FieldCount != 41 {
		t.Errorf("unexpected versions: %+v", versions)
	}

	current, err = mgr.GetCurrentVersion(ctx, "L2A")
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if current.Version != 2 || current.Fingerprint != "f2" {
		t.Errorf("unexpected current version: %+v", current)
	}
}
