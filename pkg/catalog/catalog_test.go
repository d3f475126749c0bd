package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
dbms:
  type: Postgres
  version: "9.6"
aliases: [postgresql]
knobs:
  - name: shared_buffers
    type: integer
    unit: bytes
    default: 128MB
    tunable: true
  - name: wal_level
    type: enum
    enum_values: [minimal, replica]
    default: minimal
  - name: fsync
    type: bool
    default: "on"
metrics:
  - name: xact_commit
    kind: counter
  - name: numbackends
    kind: gauge
  - name: stats_reset
    kind: info
`

func TestParse(t *testing.T) {
	entry, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	assert.Equal(t, "postgres-9.6", entry.DBMS.ID())
	assert.Equal(t, []string{"fsync", "shared_buffers", "wal_level"}, entry.KeySet())
	assert.Equal(t, []string{"shared_buffers"}, entry.TunableKeys())

	def, ok := entry.Default("shared_buffers")
	require.True(t, ok)
	assert.Equal(t, "128MB", def)

	_, ok = entry.Default("nope")
	assert.False(t, ok)

	assert.True(t, entry.IsNumericMetric("xact_commit"))
	assert.True(t, entry.IsNumericMetric("numbackends"))
	assert.False(t, entry.IsNumericMetric("stats_reset"))
	assert.False(t, entry.IsNumericMetric("missing"))
}

func TestParse_ValidationErrorsAreCollected(t *testing.T) {
	_, err := Parse([]byte(`
dbms:
  type: mysql
knobs:
  - name: a
    type: weird
  - name: a
    type: real
    unit: bytes
  - name: e
    type: enum
    enum_values: [x]
    default: y
metrics:
  - name: m
    kind: histogram
`))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "dbms type and version are required")
	assert.Contains(t, msg, `unknown type "weird"`)
	assert.Contains(t, msg, "duplicate name")
	assert.Contains(t, msg, "requires integer type")
	assert.Contains(t, msg, "is not an enum value")
	assert.Contains(t, msg, `unknown kind "histogram"`)
}

func TestFilterTunable(t *testing.T) {
	entry, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	got := entry.FilterTunable(map[string]string{
		"shared_buffers": "134217728",
		"fsync":          "true",
		"unknown":        "x",
	})

	assert.Equal(t, map[string]string{"shared_buffers": "134217728"}, got)
}

func TestResolve(t *testing.T) {
	entry, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	cat := New(entry)

	tests := []struct {
		name    string
		typ     string
		version string
		wantErr bool
	}{
		{name: "exact", typ: "postgres", version: "9.6"},
		{name: "case insensitive type", typ: "POSTGRES", version: "9.6"},
		{name: "alias", typ: "postgresql", version: "9.6"},
		{name: "patch version", typ: "postgres", version: "9.6.3"},
		{name: "unknown version", typ: "postgres", version: "10.1", wantErr: true},
		{name: "unknown type", typ: "mysql", version: "9.6", wantErr: true},
		{name: "empty version", typ: "postgres", version: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cat.Resolve(tt.typ, tt.version)
			if tt.wantErr {
				var unsupported *UnsupportedDBMSError
				require.True(t, errors.As(err, &unsupported))
				assert.Equal(t, tt.typ, unsupported.Type)
				assert.Equal(t, tt.version, unsupported.Version)

				return
			}

			require.NoError(t, err)
			assert.Same(t, entry, got)
		})
	}

	got, err := cat.Get("postgres-9.6")
	require.NoError(t, err)
	assert.Same(t, entry, got)

	_, err = cat.Get("mysql-5.7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql v5.7 is not yet supported")
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "pg.yaml")
	require.NoError(t, os.WriteFile(good, []byte(testCatalog), 0o644))

	t.Run("loads valid files", func(t *testing.T) {
		cat, err := LoadFiles(good)
		require.NoError(t, err)
		require.Len(t, cat.Entries(), 1)
	})

	t.Run("rejects duplicate entries and missing files together", func(t *testing.T) {
		_, err := LoadFiles(good, good, filepath.Join(dir, "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already defined")
		assert.Contains(t, err.Error(), "reading catalog file")
	})

	t.Run("ships a valid postgres catalog", func(t *testing.T) {
		cat, err := LoadFiles(filepath.Join("..", "..", "catalogs", "postgres-9.6.yaml"))
		require.NoError(t, err)

		entry, err := cat.Resolve("postgresql", "9.6.24")
		require.NoError(t, err)
		assert.NotEmpty(t, entry.TunableKeys())
	})
}
