// Package dedup decides whether a freshly analyzed signal is a new
// observation or a repeat of one already stored, and folds repeats into
// the existing record. Three strategies run in strict order: semantic
// similarity over embeddings, exact normalized title, exact normalized
// URL. A lookup failure in one tier falls through to the next rather
// than failing the candidate.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/sillage/classify"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/urlnorm"
	"github.com/hazyhaar/sillage/vecstore"
)

// VectorIndex is the nearest-neighbor boundary. vecstore satisfies it;
// tests substitute their own.
type VectorIndex interface {
	Upsert(ctx context.Context, owner, id string, vec []float32) error
	Query(ctx context.Context, owner string, vec []float32, topK int) ([]vecstore.Match, error)
	Delete(ctx context.Context, owner, id string) error
}

// Config tunes the engine.
type Config struct {
	// SemanticThreshold is the minimum cosine similarity for a
	// semantic match. Default: 0.85.
	SemanticThreshold float64 `json:"semantic_threshold" yaml:"semantic_threshold"`

	// MaxMergeRetries bounds the optimistic-concurrency retry loop.
	// Default: 3.
	MaxMergeRetries int `json:"max_merge_retries" yaml:"max_merge_retries"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = 0.85
	}
	if c.MaxMergeRetries <= 0 {
		c.MaxMergeRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Similarity assigned to non-semantic matches: title matches are near
// certain, URL matches are definitional.
const (
	titleMatchSimilarity = 0.95
	urlMatchSimilarity   = 1.0
)

// Result reports what the engine decided for one candidate.
type Result struct {
	Merged     bool    `json:"merged"`
	Strategy   string  `json:"strategy,omitempty"` // semantic | title | url
	Similarity float64 `json:"similarity,omitempty"`
	WinnerID   string  `json:"winner_id,omitempty"`
}

// Engine runs dedup checks and merges.
type Engine struct {
	cfg        Config
	store      *store.Store
	vectors    VectorIndex // nil disables the semantic tier
	classifier classify.Classifier
	norm       *urlnorm.Normalizer
	logger     *slog.Logger
}

// New creates an Engine. vectors may be nil (semantic tier skipped);
// classifier may be nil (summaries merge by longer-wins).
func New(cfg Config, st *store.Store, vectors VectorIndex, classifier classify.Classifier, norm *urlnorm.Normalizer) *Engine {
	cfg.defaults()
	if norm == nil {
		norm = urlnorm.New(nil)
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		vectors:    vectors,
		classifier: classifier,
		norm:       norm,
		logger:     cfg.Logger,
	}
}

// CheckAndMerge runs the strategy chain for a candidate signal that is
// already inserted in the store. On a match the candidate is folded
// into the winner and its own row deleted; otherwise its embedding is
// indexed so later candidates can match against it.
func (e *Engine) CheckAndMerge(ctx context.Context, candidate *store.Signal, embedding []float32) (*Result, error) {
	log := e.logger.With("owner_id", candidate.OwnerID, "candidate_id", candidate.ID)

	if winner, score, ok := e.matchSemantic(ctx, candidate, embedding, log); ok {
		return e.merge(ctx, winner, candidate, "semantic", score, log)
	}
	if winner, ok := e.matchTitle(ctx, candidate, log); ok {
		return e.merge(ctx, winner, candidate, "title", titleMatchSimilarity, log)
	}
	if winner, ok := e.matchURL(ctx, candidate, log); ok {
		return e.merge(ctx, winner, candidate, "url", urlMatchSimilarity, log)
	}

	// New signal: index its vector for future semantic checks.
	if e.vectors != nil && len(embedding) > 0 {
		if err := e.vectors.Upsert(ctx, candidate.OwnerID, candidate.ID, embedding); err != nil {
			log.Warn("dedup: vector index failed", "error", err)
		}
	}
	return &Result{Merged: false}, nil
}

// matchSemantic queries the vector index. Errors are absorbed: the
// next tier still runs.
func (e *Engine) matchSemantic(ctx context.Context, candidate *store.Signal, embedding []float32, log *slog.Logger) (*store.Signal, float64, bool) {
	if e.vectors == nil || len(embedding) == 0 {
		return nil, 0, false
	}
	matches, err := e.vectors.Query(ctx, candidate.OwnerID, embedding, 5)
	if err != nil {
		log.Warn("dedup: semantic lookup failed", "error", err)
		return nil, 0, false
	}
	for _, m := range matches {
		if m.ID == candidate.ID || m.Score < e.cfg.SemanticThreshold {
			continue
		}
		winner, err := e.store.GetSignal(ctx, m.ID)
		if err != nil {
			// Stale index entry; try the next match.
			log.Debug("dedup: indexed signal missing", "id", m.ID, "error", err)
			continue
		}
		return winner, m.Score, true
	}
	return nil, 0, false
}

func (e *Engine) matchTitle(ctx context.Context, candidate *store.Signal, log *slog.Logger) (*store.Signal, bool) {
	norm := store.NormalizeTitle(candidate.Title)
	if norm == "" {
		return nil, false
	}
	winner, err := e.store.FindByTitle(ctx, candidate.OwnerID, norm, candidate.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("dedup: title lookup failed", "error", err)
		}
		return nil, false
	}
	return winner, true
}

func (e *Engine) matchURL(ctx context.Context, candidate *store.Signal, log *slog.Logger) (*store.Signal, bool) {
	if candidate.URL == "" {
		return nil, false
	}
	winner, err := e.store.FindByURL(ctx, candidate.OwnerID, candidate.URL, candidate.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("dedup: url lookup failed", "error", err)
		}
		return nil, false
	}
	return winner, true
}

// merge folds the candidate into the winner under optimistic
// concurrency, then removes the candidate row. A write failure after
// retries still discards the candidate: losing one mention beats
// keeping a duplicate record.
func (e *Engine) merge(ctx context.Context, winner, candidate *store.Signal, strategy string, similarity float64, log *slog.Logger) (*Result, error) {
	merged := false
	for attempt := 0; attempt < e.cfg.MaxMergeRetries; attempt++ {
		if attempt > 0 {
			// Re-read: someone else merged into the winner first.
			fresh, err := e.store.GetSignal(ctx, winner.ID)
			if err != nil {
				log.Warn("dedup: winner re-read failed", "error", err)
				break
			}
			winner = fresh
		}

		updated := e.mergeFields(ctx, winner, candidate)
		ok, err := e.store.UpdateSignalMerge(ctx, updated, winner.Revision)
		if err != nil {
			log.Warn("dedup: merge write failed", "error", err)
			break
		}
		if ok {
			merged = true
			break
		}
	}

	if !merged {
		log.Warn("dedup: merge not committed, discarding candidate",
			"winner_id", winner.ID, "strategy", strategy)
	}

	if err := e.store.DeleteSignal(ctx, candidate.ID); err != nil {
		log.Warn("dedup: candidate delete failed", "error", err)
	}
	if e.vectors != nil {
		// The candidate may already be indexed when the caller upserts
		// eagerly; drop it either way.
		if err := e.vectors.Delete(ctx, candidate.OwnerID, candidate.ID); err != nil {
			log.Debug("dedup: candidate vector delete failed", "error", err)
		}
	}

	log.Info("dedup: merged",
		"winner_id", winner.ID, "strategy", strategy,
		"similarity", similarity, "mention_count", winner.MentionCount+1)
	return &Result{
		Merged:     true,
		Strategy:   strategy,
		Similarity: similarity,
		WinnerID:   winner.ID,
	}, nil
}

// mergeFields computes the merged record. The winner keeps its
// identity; the candidate contributes recency, new entities/tags, and
// possibly a better URL.
func (e *Engine) mergeFields(ctx context.Context, winner, candidate *store.Signal) *store.Signal {
	out := *winner
	out.MentionCount = winner.MentionCount + 1

	// Repeated mentions boost relevance, capped so mention spam cannot
	// saturate the score.
	base := winner.Score
	if candidate.Score > base {
		base = candidate.Score
	}
	boost := out.MentionCount * 2
	if boost > 20 {
		boost = 20
	}
	out.Score = base + boost
	if out.Score > 100 {
		out.Score = 100
	}

	out.Summary = e.mergeSummaries(ctx, winner.Summary, candidate.Summary)
	out.Entities = setUnion(winner.Entities, candidate.Entities)
	out.Tags = setUnion(winner.Tags, candidate.Tags)

	sources := setUnion(winner.Metadata.SourceURLs, candidate.Metadata.SourceURLs)
	if candidate.URL != "" {
		sources = setUnion(sources, []string{candidate.URL})
	}
	out.Metadata.SourceURLs = sources
	out.Metadata.DuplicateCount = winner.Metadata.DuplicateCount + 1
	out.Metadata.LastSeen = time.Now().UnixMilli()

	// Prefer a real destination over a shortener alias.
	if candidate.URL != "" &&
		e.norm.LooksLikeShortener(winner.URL) && !e.norm.LooksLikeShortener(candidate.URL) {
		out.URL = candidate.URL
	}

	if winner.Content == "" && candidate.Content != "" {
		out.Content = candidate.Content
	}
	return &out
}

// mergeSummaries combines two summaries, through the classifier when
// one is wired. The model call inherits the caller's deadline and
// cancellation on top of its own 30s bound.
func (e *Engine) mergeSummaries(ctx context.Context, a, b string) string {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	if e.classifier != nil {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if merged, err := e.classifier.MergeSummaries(mctx, a, b); err == nil && merged != "" {
			return merged
		}
	}
	if len(b) > len(a) {
		return b
	}
	return a
}

func setUnion(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
