package commandlog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// The SQLLog contract is also exercised against a real SQLite database, so
// the ON CONFLICT claim and lease reclaim paths run on an actual engine, not
// just the sqlmock expectations.
func TestSQLLog_SQLite(t *testing.T) {
	var n int
	runLogContract(t, func(t *testing.T) Log {
		n++
		db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), fmt.Sprintf("cmd-%d.db", n)))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		l := NewSQLLog(db)
		if err := l.Init(context.Background()); err != nil {
			t.Fatalf("init: %v", err)
		}
		return l
	})
}
