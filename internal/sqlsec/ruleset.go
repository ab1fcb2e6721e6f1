package sqlsec

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ruleset holds the declarative security configuration: which tables are
// off limits and which functions must never appear in a query. A zero
// Ruleset means "defaults only"; loaded rulesets extend the defaults
// rather than replacing them.
type Ruleset struct {
	// RestrictedTables are exact table names (optionally schema
	// qualified) that queries may not touch, e.g. "payroll".
	RestrictedTables []string `yaml:"restricted_tables"`
	// RestrictedPrefixes extend the built-in system-catalog prefixes.
	RestrictedPrefixes []string `yaml:"restricted_prefixes"`
	// ForbiddenFunctions extend the built-in dangerous-function set.
	ForbiddenFunctions []string `yaml:"forbidden_functions"`
}

// Built-in prefixes covering system catalogs across the supported
// backends. Matching is case-insensitive and applies to both the bare
// table name and its schema-qualified form.
var defaultRestrictedPrefixes = []string{
	"pg_catalog.",
	"pg_",
	"information_schema.",
	"sqlite_",
	"duckdb_",
	"pragma_",
}

// Functions that can read the filesystem, leak catalog internals, or
// stall the backend.
var defaultForbiddenFunctions = map[string]bool{
	"pg_read_file":         true,
	"pg_read_binary_file":  true,
	"pg_ls_dir":            true,
	"pg_sleep":             true,
	"dblink":               true,
	"lo_import":            true,
	"lo_export":            true,
	"read_csv":             true,
	"read_csv_auto":        true,
	"read_parquet":         true,
	"read_json":            true,
	"read_json_auto":       true,
	"read_text":            true,
	"read_blob":            true,
	"glob":                 true,
	"sqlite_scan":          true,
	"query_table":          true,
	"duckdb_settings":      true,
	"duckdb_secrets":       true,
	"pragma_database_list": true,
}

// LoadRuleset reads a YAML ruleset file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	return &rs, nil
}

// restrictedName reports whether a table name (already lowercased) is
// denied, either by exact match or by prefix.
func (rs *Ruleset) restrictedName(name string) bool {
	for _, t := range rs.tablesLower() {
		if name == t {
			return true
		}
	}
	for _, p := range defaultRestrictedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, p := range rs.prefixesLower() {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (rs *Ruleset) forbiddenFunction(name string) bool {
	if defaultForbiddenFunctions[name] {
		return true
	}
	for _, f := range rs.ForbiddenFunctions {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

func (rs *Ruleset) tablesLower() []string {
	out := make([]string, len(rs.RestrictedTables))
	for i, t := range rs.RestrictedTables {
		out[i] = strings.ToLower(t)
	}
	return out
}

func (rs *Ruleset) prefixesLower() []string {
	out := make([]string, len(rs.RestrictedPrefixes))
	for i, p := range rs.RestrictedPrefixes {
		out[i] = strings.ToLower(p)
	}
	return out
}

// SchemaSnapshot maps lowercased table names to their allowed projection
// columns. It is typically derived from a live schema introspection pass
// and injected by the caller.
type SchemaSnapshot struct {
	Tables map[string][]string `yaml:"tables"`
}

// LoadSchemaSnapshot reads a YAML schema snapshot file.
func LoadSchemaSnapshot(path string) (*SchemaSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema snapshot: %w", err)
	}
	var ss SchemaSnapshot
	if err := yaml.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("parse schema snapshot: %w", err)
	}
	return &ss, nil
}

// AllowedColumns returns the allowed column set for a table, or nil when
// the table is unknown to the snapshot.
func (s *SchemaSnapshot) AllowedColumns(table string) map[string]bool {
	if s == nil || s.Tables == nil {
		return nil
	}
	cols, ok := s.Tables[strings.ToLower(table)]
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[strings.ToLower(c)] = true
	}
	return set
}

// SchemaLoader supplies a schema snapshot at validation time. It exists
// so callers can plug in a live catalog instead of a static file.
type SchemaLoader interface {
	Snapshot() (*SchemaSnapshot, error)
}

// FileSchemaLoader is a SchemaLoader over a YAML snapshot file, re-read
// on every call so edits take effect without a restart.
type FileSchemaLoader string

func (p FileSchemaLoader) Snapshot() (*SchemaSnapshot, error) {
	return LoadSchemaSnapshot(string(p))
}
