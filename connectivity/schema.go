package connectivity

import (
	"database/sql"

	"github.com/hazyhaar/sillage/dbopen"
)

// Schema is the routes table: one row per service name, the strategy
// column deciding how Call dispatches it.
//
//   - "local": in-memory Handler from RegisterLocal.
//   - "quic", "mcp": the QUIC transport factory.
//   - "http": the HTTP transport factory.
//   - "noop": succeed without calling anything (disable a service).
//
// config carries per-route JSON such as timeout_ms and retry counts.
// Writes to this table bump PRAGMA data_version, which is how the
// Watch loop notices changes.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'quic', 'http', 'mcp', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_routes_strategy ON routes(strategy);

CREATE TRIGGER IF NOT EXISTS trg_routes_updated_at
AFTER UPDATE ON routes
FOR EACH ROW
BEGIN
    UPDATE routes SET updated_at = strftime('%s', 'now') WHERE service_name = NEW.service_name;
END;
`

// OpenDB opens the routes database with WAL, a 5s busy timeout and
// foreign keys on. Use it for any database shared between Admin
// writes, Reload reads and Watch polling. The caller blank-imports
// the driver:
//
//	import _ "modernc.org/sqlite"
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithBusyTimeout(5000))
}

// Init applies Schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
