// Package histmine mines browsing history out of local browser SQLite
// files into candidate entries for extraction and deduplication. Each
// run walks the configured sources sequentially, filters junk URLs,
// and advances a per-source checkpoint so visits are surfaced once.
package histmine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sillage/histmine/internal/source"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/urlnorm"
)

// Sink consumes one surviving history entry: extraction,
// classification, and dedup live behind it. A nil error counts the
// entry as processed; ErrSkip counts it as skipped.
type Sink func(ctx context.Context, ownerID string, entry HistoryEntry) error

// ErrSkip lets a Sink report an entry as deliberately skipped rather
// than failed (unfetchable or excluded URL).
var ErrSkip = errors.New("histmine: entry skipped")

// Miner runs mining batches for one store.
type Miner struct {
	cfg    Config
	store  *store.Store
	norm   *urlnorm.Normalizer
	sink   Sink
	logger *slog.Logger

	running atomic.Bool
	lastRun atomic.Pointer[MineReport]
}

// New creates a Miner. sink may be nil, in which case entries are
// counted but not processed (dry-run mining).
func New(cfg Config, st *store.Store, norm *urlnorm.Normalizer, sink Sink) *Miner {
	cfg.defaults()
	if len(cfg.Sources) == 0 {
		cfg.Sources = DiscoverSources()
	}
	if norm == nil {
		norm = urlnorm.New(nil)
	}
	return &Miner{
		cfg:    cfg,
		store:  st,
		norm:   norm,
		sink:   sink,
		logger: cfg.Logger,
	}
}

// Sources returns the configured sources.
func (m *Miner) Sources() []BrowserSource { return m.cfg.Sources }

// LastReport returns the most recent run's report, or nil before the
// first run completes.
func (m *Miner) LastReport() *MineReport { return m.lastRun.Load() }

// Mine runs one batch for ownerID. stop is checked at source
// boundaries: a stop request finishes the current source, then returns
// a partial report. Concurrent calls for the same miner are rejected.
func (m *Miner) Mine(ctx context.Context, ownerID string, stop *atomic.Bool) (*MineReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("histmine: run already in progress")
	}
	defer m.running.Store(false)

	start := time.Now()
	report := &MineReport{OwnerID: ownerID, StartedAt: start.UnixMilli()}
	log := m.logger.With("owner_id", ownerID)

	settings, err := m.store.GetSettings(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("histmine: load settings: %w", err)
	}
	maxRows := m.cfg.MaxRows
	if settings.MaxItems > 0 && settings.MaxItems < maxRows {
		maxRows = settings.MaxItems
	}

	// First occurrence across sources wins; later sources re-surfacing
	// the same URL are dropped here, not at the dedup engine.
	seen := make(map[string]bool)

	for _, src := range m.cfg.Sources {
		if stop != nil && stop.Load() {
			report.Stopped = true
			break
		}
		sr := m.mineSource(ctx, ownerID, src, settings, maxRows, seen, report)
		report.Sources = append(report.Sources, sr)
	}

	// The sync-from override is one-shot: once a run has used it, the
	// next run goes back to stored checkpoints.
	if settings.SyncFromMs > 0 && !report.Stopped {
		if err := m.store.ClearSyncOverride(ctx, ownerID); err != nil {
			log.Warn("histmine: clear sync override failed", "error", err)
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	m.lastRun.Store(report)

	scanned, yielded := report.Totals()
	log.Info("histmine: run complete",
		"scanned", scanned, "yielded", yielded,
		"processed", report.Processed, "skipped", report.Skipped,
		"errors", report.Errors, "stopped", report.Stopped,
		"duration_ms", report.DurationMs)
	return report, nil
}

func (m *Miner) mineSource(ctx context.Context, ownerID string, src BrowserSource, settings *store.MinerSettings, maxRows int, seen map[string]bool, report *MineReport) SourceReport {
	sr := SourceReport{Key: src.Key, Browser: string(src.Browser)}
	log := m.logger.With("owner_id", ownerID, "source", src.Key)

	if _, err := os.Stat(src.Path); err != nil {
		sr.Error = ErrSourceUnavailable.Error()
		log.Debug("histmine: source unavailable", "path", src.Path)
		return sr
	}

	since := settings.SyncFromMs
	if since == 0 {
		ckpt, err := m.store.GetCheckpoint(ctx, ownerID, src.Key)
		if err != nil {
			sr.Error = fmt.Sprintf("checkpoint: %v", err)
			report.Errors++
			return sr
		}
		since = ckpt
	}

	raw, err := source.Read(ctx, src.Path, src.Browser, since, maxRows)
	if err != nil {
		sr.Error = err.Error()
		report.Errors++
		log.Warn("histmine: source read failed", "error", err)
		return sr
	}
	sr.Scanned = len(raw)

	// Filter order is fixed: blacklist, then non-content, then batch
	// dedup. Counters reflect the first stage that dropped each row.
	var lastScannedMs int64
	for _, e := range raw {
		lastScannedMs = e.LastVisitMs
		normalized := m.norm.Normalize(e.URL)

		if matchesBlacklist(normalized, settings.Blacklist) {
			sr.Blacklisted++
			continue
		}
		if m.norm.IsLikelyNonContent(normalized) {
			sr.NonContent++
			continue
		}
		if seenInBatch(seen, normalized, src.Key, &sr, report) {
			continue
		}

		sr.Yielded++

		entry := HistoryEntry{
			URL:         normalized,
			Title:       e.Title,
			VisitCount:  e.VisitCount,
			LastVisitMs: e.LastVisitMs,
			Browser:     src.Browser,
		}
		m.dispatch(ctx, ownerID, entry, report, log)
	}

	// Rows come back oldest first, so the last scanned timestamp is the
	// window's upper edge. The checkpoint advances even when every row
	// was filtered, or a junk-only window would be re-read every run.
	if lastScannedMs > 0 {
		if err := m.store.SetCheckpoint(ctx, ownerID, src.Key, string(src.Browser), lastScannedMs); err != nil {
			log.Warn("histmine: checkpoint write failed", "error", err)
		}
	}
	return sr
}

// seenInBatch records the URL and reports whether it was already
// yielded this run. Within one source it counts as a duplicate; across
// sources it counts against the run's cross-source total.
func seenInBatch(seen map[string]bool, url, sourceKey string, sr *SourceReport, report *MineReport) bool {
	key := url
	if !seen[key] {
		seen[key] = true
		return false
	}
	sr.Duplicates++
	report.CrossDupes++
	return true
}

func (m *Miner) dispatch(ctx context.Context, ownerID string, entry HistoryEntry, report *MineReport, log *slog.Logger) {
	if m.sink == nil {
		return
	}
	switch err := m.sink(ctx, ownerID, entry); {
	case err == nil:
		report.Processed++
	case errors.Is(err, ErrSkip):
		report.Skipped++
	default:
		report.Errors++
		log.Warn("histmine: entry processing failed", "url", entry.URL, "error", err)
	}
}

func matchesBlacklist(url string, blacklist []string) bool {
	lower := strings.ToLower(url)
	for _, pattern := range blacklist {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
