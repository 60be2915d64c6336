package histmine

import (
	"github.com/hazyhaar/sillage/timeconv"
)

// HistoryEntry is one browsing-history row normalized across browser
// schemas: URL, title, visit count, and last visit in unix ms.
type HistoryEntry struct {
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	VisitCount  int              `json:"visit_count"`
	LastVisitMs int64            `json:"last_visit_ms"`
	Browser     timeconv.Browser `json:"browser"`
}

// BrowserSource identifies one history database to mine.
type BrowserSource struct {
	// Key names the source in checkpoints ("chrome", "firefox-work").
	// Two sources with the same key share a checkpoint, so keys must
	// be unique per profile.
	Key string `json:"key" yaml:"key"`

	// Browser selects the schema and timestamp epoch.
	Browser timeconv.Browser `json:"browser" yaml:"browser"`

	// Path to the history SQLite file.
	Path string `json:"path" yaml:"path"`
}

// SourceReport is the per-source outcome of one mining run.
type SourceReport struct {
	Key         string `json:"key"`
	Browser     string `json:"browser"`
	Scanned     int    `json:"scanned"`
	Blacklisted int    `json:"blacklisted"`
	NonContent  int    `json:"non_content"`
	Duplicates  int    `json:"duplicates"`
	Yielded     int    `json:"yielded"`
	Error       string `json:"error,omitempty"`
}

// MineReport aggregates one run across all sources. A run always
// completes with a report; per-source failures land in their
// SourceReport rather than aborting the batch.
type MineReport struct {
	OwnerID    string         `json:"owner_id"`
	StartedAt  int64          `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
	Sources    []SourceReport `json:"sources"`
	CrossDupes int            `json:"cross_source_duplicates"`
	Processed  int            `json:"processed"`
	Skipped    int            `json:"skipped"`
	Errors     int            `json:"errors"`
	Stopped    bool           `json:"stopped"`
}

// Totals sums yielded entries across sources before cross-source dedup.
func (r *MineReport) Totals() (scanned, yielded int) {
	for _, s := range r.Sources {
		scanned += s.Scanned
		yielded += s.Yielded
	}
	return
}
