// Package source reads browsing-history rows out of live browser
// SQLite files. Browsers hold their history databases locked, so every
// read goes through a temp-file snapshot that is removed on all exits.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hazyhaar/sillage/dbopen"
	"github.com/hazyhaar/sillage/timeconv"
)

// ErrSchemaMismatch means the file opened but its tables do not match
// the expected browser schema.
var ErrSchemaMismatch = errors.New("history schema mismatch")

// Entry is one raw history row with its timestamp already converted
// to unix ms.
type Entry struct {
	URL         string
	Title       string
	VisitCount  int
	LastVisitMs int64
}

// CopySnapshot copies the history file to a private temp file so the
// read never contends with the browser's lock. Browsers run their
// history databases in WAL mode, so the most recent commits live in
// the -wal sidecar; it and the -shm are copied alongside when present
// or those visits would be invisible to the snapshot. The returned
// cleanup removes the snapshot and must be called on every path.
func CopySnapshot(path string) (string, func(), error) {
	tmp, err := os.CreateTemp("", "histsnap-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("create snapshot: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	cleanup := func() {
		os.Remove(name)
		os.Remove(name + "-wal")
		os.Remove(name + "-shm")
	}

	if err := copyFile(path, name); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy snapshot: %w", err)
	}
	for _, ext := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + ext); err != nil {
			continue
		}
		if err := copyFile(path+ext, name+ext); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("copy snapshot %s: %w", ext, err)
		}
	}
	return name, cleanup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Read returns history rows newer than sinceUnixMs, oldest first,
// capped at limit. The checkpoint is converted to the browser's native
// timestamp unit for the query; row timestamps convert back to unix ms.
func Read(ctx context.Context, path string, browser timeconv.Browser, sinceUnixMs int64, limit int) ([]Entry, error) {
	snap, cleanup, err := CopySnapshot(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	db, err := dbopen.OpenSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	switch {
	case browser == timeconv.Firefox:
		return readFirefox(ctx, db, sinceUnixMs, limit)
	case browser == timeconv.Safari:
		return readSafari(ctx, db, sinceUnixMs, limit)
	default:
		return readChromium(ctx, db, browser, sinceUnixMs, limit)
	}
}

// readChromium reads the urls table shared by all chromium-family
// browsers. last_visit_time is µs since 1601-01-01.
func readChromium(ctx context.Context, db *sql.DB, browser timeconv.Browser, sinceUnixMs int64, limit int) ([]Entry, error) {
	since := timeconv.FromUnixMs(sinceUnixMs, browser)
	rows, err := db.QueryContext(ctx, `
		SELECT url, COALESCE(title, ''), COALESCE(visit_count, 0), last_visit_time
		FROM urls
		WHERE last_visit_time > ? AND url != ''
		ORDER BY last_visit_time ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw int64
		if err := rows.Scan(&e.URL, &e.Title, &e.VisitCount, &raw); err != nil {
			return nil, fmt.Errorf("scan urls row: %w", err)
		}
		e.LastVisitMs = timeconv.ToUnixMs(raw, browser)
		out = append(out, e)
	}
	return out, rows.Err()
}

// readFirefox reads moz_places. last_visit_date is µs since the unix
// epoch and NULL for never-visited bookmarks.
func readFirefox(ctx context.Context, db *sql.DB, sinceUnixMs int64, limit int) ([]Entry, error) {
	since := timeconv.FromUnixMs(sinceUnixMs, timeconv.Firefox)
	rows, err := db.QueryContext(ctx, `
		SELECT url, COALESCE(title, ''), COALESCE(visit_count, 0), last_visit_date
		FROM moz_places
		WHERE last_visit_date IS NOT NULL AND last_visit_date > ? AND url != ''
		ORDER BY last_visit_date ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw int64
		if err := rows.Scan(&e.URL, &e.Title, &e.VisitCount, &raw); err != nil {
			return nil, fmt.Errorf("scan moz_places row: %w", err)
		}
		e.LastVisitMs = timeconv.ToUnixMs(raw, timeconv.Firefox)
		out = append(out, e)
	}
	return out, rows.Err()
}

// readSafari joins history_items with history_visits. visit_time is
// float seconds since 2001-01-01; titles live on the visit rows.
func readSafari(ctx context.Context, db *sql.DB, sinceUnixMs int64, limit int) ([]Entry, error) {
	since := timeconv.UnixMsToSafari(sinceUnixMs)
	rows, err := db.QueryContext(ctx, `
		SELECT hi.url, COALESCE(MAX(hv.title), ''), COALESCE(hi.visit_count, 0), MAX(hv.visit_time)
		FROM history_items hi
		JOIN history_visits hv ON hv.history_item = hi.id
		WHERE hv.visit_time > ? AND hi.url != ''
		GROUP BY hi.id, hi.url, hi.visit_count
		ORDER BY MAX(hv.visit_time) ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw float64
		if err := rows.Scan(&e.URL, &e.Title, &e.VisitCount, &raw); err != nil {
			return nil, fmt.Errorf("scan safari row: %w", err)
		}
		e.LastVisitMs = timeconv.SafariToUnixMs(raw)
		out = append(out, e)
	}
	return out, rows.Err()
}

// classifyQueryErr maps missing tables/columns to a schema mismatch so
// the caller can report it distinctly from IO failures.
func classifyQueryErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return err
}
