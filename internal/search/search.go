// Package search implements catalog lookup as a three-stage cascade:
// full-text index, vector similarity, bounded edit distance. Each stage runs
// only when the previous one returned nothing.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

const (
	// MethodFTS through MethodNone are the values of Metadata.SearchMethod.
	MethodFTS    = "fts"
	MethodVector = "vector"
	MethodFuzzy  = "fuzzy"
	MethodNone   = "none"

	defaultVectorDistance = 0.6
	defaultMaxEditDist    = 2
	minFuzzyQueryLen      = 3
)

// Embedder computes a query vector. The embedding cache satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes one search call. Zero values select the defaults.
type Options struct {
	FTSOnly                 bool    `json:"ftsOnly,omitempty"`
	VectorOnly              bool    `json:"vectorOnly,omitempty"`
	LevenshteinThreshold    int     `json:"levenshteinThreshold,omitempty"`
	VectorDistanceThreshold float64 `json:"vectorDistanceThreshold,omitempty"`
}

// Result is one matched product. Similarity is set for vector hits,
// LevenshteinDistance for fuzzy hits.
type Result struct {
	ItemID              int64           `json:"itemId"`
	ProductName         string          `json:"productName"`
	CategoryName        string          `json:"categoryName,omitempty"`
	Price               decimal.Decimal `json:"price"`
	Similarity          *float64        `json:"similarity,omitempty"`
	LevenshteinDistance *int            `json:"levenshteinDistance,omitempty"`
	SearchType          string          `json:"search_type"`
}

// Metadata describes how a search was answered.
type Metadata struct {
	SearchMethod string `json:"searchMethod"`
	ExecutionMS  int64  `json:"executionTime"`
}

// Response is the full search answer.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// Service runs the cascade over the catalog repositories.
type Service struct {
	repos    relationaldb.RepositoryManager
	embedder Embedder
	log      zerolog.Logger
}

func NewService(repos relationaldb.RepositoryManager, embedder Embedder, logger zerolog.Logger) *Service {
	return &Service{
		repos:    repos,
		embedder: embedder,
		log:      logger.With().Str("component", "search").Logger(),
	}
}

// SearchProducts answers a product query. An embedding failure degrades to
// the fuzzy stage rather than failing the search.
func (s *Service) SearchProducts(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.Validation("query must not be empty")
	}

	resp := &Response{Results: []Result{}, Metadata: Metadata{SearchMethod: MethodNone}}
	finish := func() *Response {
		resp.Metadata.ExecutionMS = time.Since(start).Milliseconds()
		return resp
	}

	if !opts.VectorOnly {
		results, err := s.fullText(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			resp.Results = results
			resp.Metadata.SearchMethod = MethodFTS
			return finish(), nil
		}
	}
	if opts.FTSOnly {
		return finish(), nil
	}

	results, err := s.vector(ctx, query, opts)
	if err != nil {
		s.log.Warn().Err(err).Str("query", query).Msg("Vector stage failed, falling through to fuzzy")
	} else if len(results) > 0 {
		resp.Results = results
		resp.Metadata.SearchMethod = MethodVector
		return finish(), nil
	}
	if opts.VectorOnly {
		return finish(), nil
	}

	results, err = s.fuzzy(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		resp.Results = results
		resp.Metadata.SearchMethod = MethodFuzzy
	}
	return finish(), nil
}

func (s *Service) fullText(ctx context.Context, query string) ([]Result, error) {
	rows, err := s.repos.Catalog().SearchFullText(ctx, query)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "full-text search failed", err)
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{
			ItemID:       r.ItemID,
			ProductName:  r.Name,
			CategoryName: r.CategoryName,
			Price:        r.Price,
			SearchType:   MethodFTS,
		})
	}
	return out, nil
}

func (s *Service) vector(ctx context.Context, query string, opts Options) ([]Result, error) {
	if s.embedder == nil {
		return nil, nil
	}
	threshold := opts.VectorDistanceThreshold
	if threshold <= 0 {
		threshold = defaultVectorDistance
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	embeddings, err := s.repos.Embeddings().GetAll(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load embeddings", err)
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	products, err := s.productIndex(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		row      relationaldb.ProductRow
		distance float64
	}
	var hits []scored
	for _, e := range embeddings {
		row, ok := products[e.ItemID]
		if !ok {
			continue
		}
		dist := cosineDistance(queryVec, e.Vector)
		if dist <= threshold {
			hits = append(hits, scored{row: row, distance: dist})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		similarity := math.Round((1-h.distance)*10000) / 100
		out = append(out, Result{
			ItemID:       h.row.ItemID,
			ProductName:  h.row.Name,
			CategoryName: h.row.CategoryName,
			Price:        h.row.Price,
			Similarity:   &similarity,
			SearchType:   MethodVector,
		})
	}
	return out, nil
}

func (s *Service) fuzzy(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len([]rune(query)) < minFuzzyQueryLen {
		return nil, nil
	}
	maxDist := opts.LevenshteinThreshold
	if maxDist <= 0 {
		maxDist = defaultMaxEditDist
	}

	rows, err := s.repos.Catalog().GetProducts(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load products", err)
	}

	needle := strings.ToLower(query)
	type scored struct {
		row  relationaldb.ProductRow
		dist int
	}
	var hits []scored
	for _, r := range rows {
		d := levenshtein.ComputeDistance(needle, strings.ToLower(r.Name))
		if d <= maxDist {
			hits = append(hits, scored{row: r, dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		d := h.dist
		out = append(out, Result{
			ItemID:              h.row.ItemID,
			ProductName:         h.row.Name,
			CategoryName:        h.row.CategoryName,
			Price:               h.row.Price,
			LevenshteinDistance: &d,
			SearchType:          MethodFuzzy,
		})
	}
	return out, nil
}

func (s *Service) productIndex(ctx context.Context) (map[int64]relationaldb.ProductRow, error) {
	rows, err := s.repos.Catalog().GetProducts(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load products", err)
	}
	idx := make(map[int64]relationaldb.ProductRow, len(rows))
	for _, r := range rows {
		idx[r.ItemID] = r
	}
	return idx, nil
}

// cosineDistance is 1 minus the cosine similarity. Mismatched or zero-norm
// vectors count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
