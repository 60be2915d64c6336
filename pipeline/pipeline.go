// Package pipeline processes one mined history entry end to end:
// content extraction, classification, embedding, storage, and the
// dedup merge pass. The miner feeds it through the Sink adapter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sillage/classify"
	"github.com/hazyhaar/sillage/dedup"
	"github.com/hazyhaar/sillage/extract"
	"github.com/hazyhaar/sillage/histmine"
	"github.com/hazyhaar/sillage/idgen"
	"github.com/hazyhaar/sillage/observability"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/urlnorm"
)

// Extractor is the content-extraction boundary. *extract.Router
// satisfies it; tests substitute their own.
type Extractor interface {
	Extract(ctx context.Context, url string) (*extract.Result, error)
}

// Deduper is the merge boundary. *dedup.Engine satisfies it.
type Deduper interface {
	CheckAndMerge(ctx context.Context, candidate *store.Signal, embedding []float32) (*dedup.Result, error)
}

// Config configures a Processor.
type Config struct {
	// ServiceName tags emitted events. Default: "pipeline".
	ServiceName string `json:"service_name" yaml:"service_name"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.ServiceName == "" {
		c.ServiceName = "pipeline"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Processor turns history entries into stored, deduplicated signals.
type Processor struct {
	cfg        Config
	extractor  Extractor
	classifier classify.Classifier
	embedder   classify.Embedder // nil disables the semantic tier
	store      *store.Store
	dedup      Deduper
	norm       *urlnorm.Normalizer
	events     *observability.EventLogger // nil disables event emission
	metrics    *observability.MetricsManager
	newID      idgen.Generator
	logger     *slog.Logger
}

// New creates a Processor. extractor, st, and dd are required;
// classifier, embedder, events, and metrics may be nil.
func New(cfg Config, extractor Extractor, classifier classify.Classifier, embedder classify.Embedder, st *store.Store, dd Deduper, norm *urlnorm.Normalizer) *Processor {
	cfg.defaults()
	if norm == nil {
		norm = urlnorm.New(nil)
	}
	return &Processor{
		cfg:        cfg,
		extractor:  extractor,
		classifier: classifier,
		embedder:   embedder,
		store:      st,
		dedup:      dd,
		norm:       norm,
		newID:      idgen.Prefixed("sig_", idgen.Default),
		logger:     cfg.Logger,
	}
}

// WithObservability attaches the event logger and metrics manager.
func (p *Processor) WithObservability(events *observability.EventLogger, metrics *observability.MetricsManager) *Processor {
	p.events = events
	p.metrics = metrics
	return p
}

// Sink adapts the processor for miner dispatch.
func (p *Processor) Sink() histmine.Sink {
	return func(ctx context.Context, ownerID string, entry histmine.HistoryEntry) error {
		return p.Process(ctx, ownerID, entry)
	}
}

// Process runs one entry through the pipeline. Gated pages and
// extraction failures degrade to placeholder signals so the visit is
// not lost; only hard store errors fail the entry.
func (p *Processor) Process(ctx context.Context, ownerID string, entry histmine.HistoryEntry) error {
	start := time.Now()
	log := p.logger.With("owner_id", ownerID, "url", entry.URL)

	res, err := p.extractor.Extract(ctx, entry.URL)
	if err != nil {
		if errors.Is(err, extract.ErrExtractionFailed) || errors.Is(err, extract.ErrUnsupportedContent) {
			return p.storePlaceholder(ctx, ownerID, entry, log)
		}
		return fmt.Errorf("pipeline: extract: %w", err)
	}
	if res.Gated {
		return p.storeGated(ctx, ownerID, entry, res, log)
	}

	title := res.Title
	if title == "" {
		title = entry.Title
	}

	verdict := p.classifyEntry(ctx, title, res, log)

	sig := &store.Signal{
		ID:       p.newID(),
		OwnerID:  ownerID,
		URL:      p.norm.Normalize(res.FinalURL),
		Title:    title,
		Score:    verdict.Score,
		Summary:  verdict.Summary,
		Category: verdict.Category,
		Entities: verdict.Entities,
		Tags:     verdict.Tags,
		Content:  res.Markdown,
		Metadata: store.SignalMetadata{LastSeen: entry.LastVisitMs},
	}

	embedding := p.embedEntry(ctx, sig, log)
	sig.HasEmbedding = len(embedding) > 0

	if err := p.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("pipeline: insert: %w", err)
	}

	dres, err := p.dedup.CheckAndMerge(ctx, sig, embedding)
	if err != nil {
		// The signal row exists; a failed merge pass must not undo that.
		log.Warn("pipeline: dedup pass failed", "signal_id", sig.ID, "error", err)
		dres = &dedup.Result{}
	}

	p.emit(ctx, ownerID, sig, dres)
	if p.metrics != nil {
		p.metrics.RecordSimple(observability.MetricExtractDurationMs,
			float64(time.Since(start).Milliseconds()), "ms")
	}
	return nil
}

// storePlaceholder records a title-only signal when both extraction
// tiers failed, so the entry resurfaces if its content becomes
// reachable later.
func (p *Processor) storePlaceholder(ctx context.Context, ownerID string, entry histmine.HistoryEntry, log *slog.Logger) error {
	sig := &store.Signal{
		ID:       p.newID(),
		OwnerID:  ownerID,
		URL:      entry.URL,
		Title:    entry.Title,
		Category: "Unprocessed",
		Metadata: store.SignalMetadata{LastSeen: entry.LastVisitMs},
	}
	if err := p.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("pipeline: insert placeholder: %w", err)
	}
	log.Info("pipeline: stored title-only placeholder", "signal_id", sig.ID)
	if p.events != nil {
		p.events.LogEvent(ctx, observability.PipelineEvent{
			EventType:   observability.EventExtractFailed,
			ServiceName: p.cfg.ServiceName,
			EntityType:  "signal",
			EntityID:    sig.ID,
			OwnerID:     ownerID,
			Action:      "placeholder",
			Success:     false,
		})
	}
	return nil
}

// gatedScoreCap bounds the relevance of access-walled pages. The wall
// text carries no real signal, but the visit itself is worth keeping.
const gatedScoreCap = 20

// storeGated records a gated page as a placeholder-summarized signal.
// The wall text is not stored as content and the score is capped; the
// entry resurfaces if the wall ever comes down.
func (p *Processor) storeGated(ctx context.Context, ownerID string, entry histmine.HistoryEntry, res *extract.Result, log *slog.Logger) error {
	title := res.Title
	if title == "" {
		title = entry.Title
	}
	sig := &store.Signal{
		ID:       p.newID(),
		OwnerID:  ownerID,
		URL:      p.norm.Normalize(res.FinalURL),
		Title:    title,
		Score:    gatedScoreCap,
		Summary:  "Content behind a paywall or login wall; not extracted.",
		Category: "Unprocessed",
		Metadata: store.SignalMetadata{LastSeen: entry.LastVisitMs},
	}
	if err := p.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("pipeline: insert gated placeholder: %w", err)
	}
	log.Info("pipeline: stored gated placeholder", "signal_id", sig.ID)
	if p.events != nil {
		p.events.LogEvent(ctx, observability.PipelineEvent{
			EventType:   observability.EventSignalCreated,
			ServiceName: p.cfg.ServiceName,
			EntityType:  "signal",
			EntityID:    sig.ID,
			OwnerID:     ownerID,
			Action:      "gated",
			Success:     true,
		})
	}
	return nil
}

// classifyEntry returns the model's verdict, or a zero-score fallback
// when no classifier is wired or the call fails outright.
func (p *Processor) classifyEntry(ctx context.Context, title string, res *extract.Result, log *slog.Logger) classify.Verdict {
	if p.classifier == nil {
		return classify.Verdict{}
	}
	verdict, err := p.classifier.Classify(ctx, title, res.FinalURL, res.Markdown)
	if err != nil {
		log.Warn("pipeline: classification failed", "error", err)
		return classify.Verdict{Category: "Error"}
	}
	return verdict
}

// embedEntry computes the candidate's embedding from its title and
// summary. Failure degrades to the non-semantic dedup tiers.
func (p *Processor) embedEntry(ctx context.Context, sig *store.Signal, log *slog.Logger) []float32 {
	if p.embedder == nil {
		return nil
	}
	text := sig.Title
	if sig.Summary != "" {
		text += "\n" + sig.Summary
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		log.Warn("pipeline: embedding failed", "error", err)
		return nil
	}
	return vec
}

func (p *Processor) emit(ctx context.Context, ownerID string, sig *store.Signal, dres *dedup.Result) {
	if p.events == nil {
		return
	}
	event := observability.PipelineEvent{
		EventType:   observability.EventSignalCreated,
		ServiceName: p.cfg.ServiceName,
		EntityType:  "signal",
		EntityID:    sig.ID,
		OwnerID:     ownerID,
		Action:      "create",
		Success:     true,
	}
	if dres.Merged {
		event.EventType = observability.EventSignalMerged
		event.EntityID = dres.WinnerID
		event.Action = dres.Strategy
	}
	p.events.LogEvent(ctx, event)
	if p.metrics != nil && dres.Merged {
		p.metrics.RecordSimple(observability.MetricSignalsMerged, 1, "count")
	}
}
