// Package search ranks records for a free-text query.
//
// Keyword and vector candidates are fused by reciprocal rank, resolved to
// the current truth along the supersede chain, boosted by their evidence
// link count and deduplicated. Without a working embedder the ranking
// degrades to keyword candidates only.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
	"github.com/sl4m3/ledgermind-sub000/internal/vectorsearch"
)

const (
	linkBoost    = 0.2
	maxBoost     = 1.0
	previewRunes = 160
)

// Index supplies keyword candidates, stored vectors and link counts.
type Index interface {
	KeywordSearch(ctx context.Context, query, namespace string, limit int) ([]index.Hit, error)
	Vectors(ctx context.Context, namespace string) ([]index.Vector, error)
	LinkCounts(ctx context.Context, ids []string) (map[string]int, error)
}

// Resolver follows the supersede chain of a record.
type Resolver interface {
	ResolveToTruth(ctx context.Context, id string, mode records.Mode, maxDepth int) (*models.Record, error)
}

// EvidenceSource returns the most recent event linked to a record.
type EvidenceSource interface {
	Latest(ctx context.Context, recordID string) (*models.Event, error)
}

// Config tunes ranking.
type Config struct {
	// K is the reciprocal rank fusion constant.
	K float64
	// Overfetch multiplies the limit for each candidate list.
	Overfetch    int
	MaxDepth     int
	DefaultLimit int
}

// DefaultConfig returns the default ranking configuration.
func DefaultConfig() Config {
	return Config{K: 60, Overfetch: 3, MaxDepth: records.DefaultMaxDepth, DefaultLimit: 10}
}

// Query is a search request.
type Query struct {
	Text      string
	Limit     int
	Mode      records.Mode
	Namespace string
}

// Result is one ranked record.
type Result struct {
	Record *models.Record `json:"record"`
	Score  float64        `json:"score"`
	Links  int            `json:"links"`

	// MatchedID is the candidate that led to Record. It differs from
	// Record.ID when the match was superseded.
	MatchedID string `json:"matched_id"`

	// Evidence previews the latest event linked to Record.
	Evidence string `json:"evidence,omitempty"`
}

// Engine runs hybrid searches.
type Engine struct {
	cfg      Config
	index    Index
	resolver Resolver
	vectors  *vectorsearch.Embedder
	evidence EvidenceSource
	logger   *slog.Logger
}

// NewEngine creates an Engine. vectors and evidence may be nil.
func NewEngine(cfg Config, ix Index, resolver Resolver, vectors *vectorsearch.Embedder, evidence EvidenceSource, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Overfetch < 1 {
		cfg.Overfetch = def.Overfetch
	}
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	return &Engine{
		cfg:      cfg,
		index:    ix,
		resolver: resolver,
		vectors:  vectors,
		evidence: evidence,
		logger:   logging.OrDefault(logger),
	}
}

// Search ranks records for q. The same corpus and query always yield the
// same ordered ids and scores.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}
	if q.Mode == "" {
		q.Mode = records.ModeBalanced
	}
	fetch := q.Limit * e.cfg.Overfetch

	keyword, err := e.index.KeywordSearch(ctx, q.Text, q.Namespace, fetch)
	if err != nil {
		return nil, err
	}
	keywordIDs := make([]string, len(keyword))
	for i, h := range keyword {
		keywordIDs[i] = h.ID
	}

	path := "keyword"
	lists := [][]string{keywordIDs}
	if vectorIDs, ok := e.vectorCandidates(ctx, q, fetch); ok {
		path = "hybrid"
		lists = append(lists, vectorIDs)
	}

	fused := e.fuse(lists)
	results, err := e.resolve(ctx, fused, q.Mode)
	if err != nil {
		return nil, err
	}
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	e.attachEvidence(ctx, results)

	telemetry.RecordSearch(ctx, path, len(results), time.Since(start))
	e.logger.Debug("search finished", "query", q.Text, "path", path, "results", len(results))
	return results, nil
}

// vectorCandidates returns the vector candidate ids, or false when vector
// search is unavailable.
func (e *Engine) vectorCandidates(ctx context.Context, q Query, fetch int) ([]string, bool) {
	if !e.vectors.Available() {
		return nil, false
	}
	queryVec, err := e.vectors.EmbedQuery(ctx, q.Text)
	if err != nil {
		e.logger.Warn("vector search unavailable, using keyword results only", "error", err)
		return nil, false
	}
	stored, err := e.index.Vectors(ctx, q.Namespace)
	if err != nil {
		e.logger.Warn("loading vectors failed, using keyword results only", "error", err)
		return nil, false
	}
	hits := vectorsearch.BruteForceSearch(queryVec, stored, fetch)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.RecordID
	}
	return ids, true
}

type candidate struct {
	id    string
	score float64
}

// fuse combines ranked id lists by reciprocal rank. Ranks are 1-based.
func (e *Engine) fuse(lists [][]string) []candidate {
	scores := make(map[string]float64)
	for _, ids := range lists {
		for i, id := range ids {
			scores[id] += 1 / (float64(i+1) + e.cfg.K)
		}
	}
	out := make([]candidate, 0, len(scores))
	for id, s := range scores {
		out = append(out, candidate{id: id, score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// resolve maps candidates to their truth under mode, applies the evidence
// boost and keeps the best score per resolved record.
func (e *Engine) resolve(ctx context.Context, candidates []candidate, mode records.Mode) ([]Result, error) {
	type resolved struct {
		rec       *models.Record
		matchedID string
		fused     float64
	}
	var all []resolved
	for _, c := range candidates {
		rec, err := e.resolver.ResolveToTruth(ctx, c.id, mode, e.cfg.MaxDepth)
		if errors.Is(err, models.ErrNotFound) {
			// The index is ahead of the files; the next sync repairs it.
			e.logger.Debug("skipping unresolvable search candidate", "id", c.id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", c.id, err)
		}
		if rec == nil {
			continue
		}
		all = append(all, resolved{rec: rec, matchedID: c.id, fused: c.score})
	}

	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.rec.ID)
	}
	links, err := e.index.LinkCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	best := make(map[string]Result, len(all))
	for _, r := range all {
		n := links[r.rec.ID]
		score := r.fused * (1 + math.Min(maxBoost, float64(n)*linkBoost))
		if prev, ok := best[r.rec.ID]; ok && prev.Score >= score {
			continue
		}
		best[r.rec.ID] = Result{Record: r.rec, Score: score, Links: n, MatchedID: r.matchedID}
	}

	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out, nil
}

func (e *Engine) attachEvidence(ctx context.Context, results []Result) {
	if e.evidence == nil {
		return
	}
	for i := range results {
		ev, err := e.evidence.Latest(ctx, results[i].Record.ID)
		if err != nil {
			e.logger.Debug("loading evidence preview failed", "id", results[i].Record.ID, "error", err)
			continue
		}
		if ev != nil {
			results[i].Evidence = models.Preview(ev, previewRunes)
		}
	}
}
