package sqlsec

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSchemaLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	data := "tables:\n  orders:\n    - id\n    - total\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	var loader SchemaLoader = FileSchemaLoader(path)
	snap, err := loader.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	allowed := snap.AllowedColumns("orders")
	if !allowed["id"] || !allowed["total"] || allowed["ssn"] {
		t.Fatalf("unexpected allowed set: %v", allowed)
	}

	if _, err := SchemaLoader(FileSchemaLoader(filepath.Join(t.TempDir(), "missing.yaml"))).Snapshot(); err == nil {
		t.Fatal("missing snapshot file should error")
	}
}
