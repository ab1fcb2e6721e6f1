package cursor

import "testing"

func baseFingerprint() string {
	return BuildQueryFingerprint(
		"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
		[]any{"emea"}, "tenant-1", "postgres",
		1000, 1<<20, 30000, "id|asc|nulls_last",
	)
}

func TestQueryFingerprint_Stable(t *testing.T) {
	if baseFingerprint() != baseFingerprint() {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(baseFingerprint()) != 64 {
		t.Fatalf("fingerprint must be a sha256 hex digest, got %d chars", len(baseFingerprint()))
	}
}

func TestQueryFingerprint_SensitiveToEveryInput(t *testing.T) {
	base := baseFingerprint()

	variants := map[string]string{
		"sql": BuildQueryFingerprint(
			"SELECT id, name FROM orders WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "postgres", 1000, 1<<20, 30000, "id|asc|nulls_last"),
		"params": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"apac"}, "tenant-1", "postgres", 1000, 1<<20, 30000, "id|asc|nulls_last"),
		"tenant": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-2", "postgres", 1000, 1<<20, 30000, "id|asc|nulls_last"),
		"provider": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "sqlite", 1000, 1<<20, 30000, "id|asc|nulls_last"),
		"max_rows": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "postgres", 500, 1<<20, 30000, "id|asc|nulls_last"),
		"max_bytes": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "postgres", 1000, 1<<21, 30000, "id|asc|nulls_last"),
		"timeout": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "postgres", 1000, 1<<20, 60000, "id|asc|nulls_last"),
		"ordering": BuildQueryFingerprint(
			"SELECT id, name FROM customers WHERE region = $1 ORDER BY id",
			[]any{"emea"}, "tenant-1", "postgres", 1000, 1<<20, 30000, "created_at|desc|nulls_last,id|asc|nulls_last"),
	}
	for name, fp := range variants {
		if fp == base {
			t.Errorf("changing %s must change the fingerprint", name)
		}
	}
}

func TestQueryFingerprint_NormalizesLiteralsAndWhitespace(t *testing.T) {
	a := BuildQueryFingerprint("SELECT * FROM customers WHERE id = 1",
		nil, "t1", "postgres", 100, 0, 0, "")
	b := BuildQueryFingerprint("select  *  from customers where id = 2",
		nil, "t1", "postgres", 100, 0, 0, "")
	if a != b {
		t.Fatal("literal and whitespace churn must not shift the fingerprint")
	}
}

func TestQueryFingerprint_UnparsableFallsBackToRawText(t *testing.T) {
	a := BuildQueryFingerprint("not sql at all", nil, "t1", "postgres", 0, 0, 0, "")
	b := BuildQueryFingerprint("  not sql at all  ", nil, "t1", "postgres", 0, 0, 0, "")
	c := BuildQueryFingerprint("still not sql", nil, "t1", "postgres", 0, 0, 0, "")
	if a != b {
		t.Fatal("fallback must trim surrounding whitespace")
	}
	if a == c {
		t.Fatal("different raw text must produce different fingerprints")
	}
}

func TestCursorQueryFingerprint_BindsPaginationMode(t *testing.T) {
	offset := BuildCursorQueryFingerprint("SELECT id FROM customers ORDER BY id", "postgres", ModeOffset, "id|asc|nulls_last")
	keyset := BuildCursorQueryFingerprint("SELECT id FROM customers ORDER BY id", "postgres", ModeKeyset, "id|asc|nulls_last")
	if offset == keyset {
		t.Fatal("offset and keyset modes must fingerprint differently")
	}
	again := BuildCursorQueryFingerprint("SELECT id FROM customers ORDER BY id", "postgres", ModeOffset, "id|asc|nulls_last")
	if offset != again {
		t.Fatal("cursor query fingerprint must be deterministic")
	}
}
