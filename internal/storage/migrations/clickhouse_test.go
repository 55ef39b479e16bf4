package migrations

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "two statements with comments",
			script: "-- header\nCREATE TABLE a (x UInt8) ENGINE = Memory;\n\n-- next; one\nCREATE TABLE b (y UInt8) ENGINE = Memory;\n",
			want: []string{
				"CREATE TABLE a (x UInt8) ENGINE = Memory",
				"CREATE TABLE b (y UInt8) ENGINE = Memory",
			},
		},
		{
			name:   "semicolon inside literal",
			script: "INSERT INTO t VALUES ('a;b');SELECT 1",
			want:   []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:   "escaped quote inside literal",
			script: `SELECT 'it\'s;fine'; SELECT 2;`,
			want:   []string{`SELECT 'it\'s;fine'`, "SELECT 2"},
		},
		{
			name:   "only comments",
			script: "-- nothing here\n\n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.script))
		})
	}
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://user:pw@localhost:9000/engine")
	require.NoError(t, err)
	assert.Equal(t, "engine", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`engine`", quoteIdent("engine"))
	assert.Equal(t, "`a``b`", quoteIdent("a`b"))
}

func TestEmbeddedMigrations(t *testing.T) {
	pg, err := fs.ReadFile(PostgresFS, "postgres/001_schema.sql")
	require.NoError(t, err)
	for _, table := range []string{
		"cycles", "orders", "idempotency_records", "nonce_state", "nonce_allocations",
		"quotes", "positions", "reconciliation_runs", "discrepancies", "dead_letters", "audit_events",
	} {
		assert.Contains(t, string(pg), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}

	ch, err := fs.ReadFile(ClickhouseFS, "clickhouse/001_audit_events.sql")
	require.NoError(t, err)
	stmts := splitStatements(string(ch))
	require.Len(t, stmts, 1)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS audit_events"))
}

func TestLoadScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_b.sql":   {Data: []byte("SELECT 2;")},
		"m/001_a.sql":   {Data: []byte("SELECT 1;")},
		"m/003_nop.sql": {Data: []byte("  \n")},
		"m/README.md":   {Data: []byte("notes")},
	}

	scripts, err := loadScripts(fsys, "m")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "001_a.sql", scripts[0].name)
	assert.Equal(t, "SELECT 2;", scripts[1].body)

	_, err = loadScripts(fsys, "missing")
	assert.Error(t, err)
}
