package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/storage/relationaldb/sqlite"
)

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return s.vector, s.err
}

func seedSearchCatalog(t *testing.T, m relationaldb.RepositoryManager) (schorle, schnitzel int64) {
	t.Helper()
	ctx := context.Background()

	company := &relationaldb.Company{Name: "Gasthaus"}
	require.NoError(t, m.Catalog().InsertCompany(ctx, company))
	branch := &relationaldb.Branch{CompanyID: company.ID, Name: "Main"}
	require.NoError(t, m.Catalog().InsertBranch(ctx, branch))
	device := &relationaldb.POSDevice{BranchID: branch.ID, Name: "Theke"}
	require.NoError(t, m.Catalog().InsertPOSDevice(ctx, device))

	drinks := &relationaldb.Category{POSDeviceID: device.ID,
		DisplayNames: map[string]string{"de": "Getränke"}, CategoryType: "drink"}
	require.NoError(t, m.Catalog().InsertCategory(ctx, drinks))
	food := &relationaldb.Category{POSDeviceID: device.ID,
		DisplayNames: map[string]string{"de": "Speisen"}, CategoryType: "food"}
	require.NoError(t, m.Catalog().InsertCategory(ctx, food))

	a := &relationaldb.Item{CategoryID: drinks.ID,
		DisplayNames: map[string]string{"de": "Apfelschorle"},
		Price:        decimal.RequireFromString("3.20")}
	require.NoError(t, m.Catalog().InsertItem(ctx, a))
	b := &relationaldb.Item{CategoryID: food.ID,
		DisplayNames: map[string]string{"de": "Wiener Schnitzel"},
		Price:        decimal.RequireFromString("18.90")}
	require.NoError(t, m.Catalog().InsertItem(ctx, b))
	return a.ID, b.ID
}

func newSearchRig(t *testing.T, e Embedder) (*Service, relationaldb.RepositoryManager, int64, int64) {
	t.Helper()
	m := sqlite.NewManager(sqlite.Config{Path: filepath.Join(t.TempDir(), "search.db")}, zerolog.Nop())
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	schorle, schnitzel := seedSearchCatalog(t, m)
	return NewService(m, e, zerolog.Nop()), m, schorle, schnitzel
}

func TestFullTextStageWins(t *testing.T) {
	embedder := &stubEmbedder{}
	svc, _, schorleID, _ := newSearchRig(t, embedder)

	resp, err := svc.SearchProducts(context.Background(), "Apfel", Options{})
	require.NoError(t, err)
	assert.Equal(t, MethodFTS, resp.Metadata.SearchMethod)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, schorleID, resp.Results[0].ItemID)
	assert.Equal(t, MethodFTS, resp.Results[0].SearchType)
	assert.Zero(t, embedder.calls, "fts hit must not trigger embedding")
}

func TestVectorStageWithinThreshold(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	svc, m, schorleID, schnitzelID := newSearchRig(t, embedder)
	ctx := context.Background()

	// Close to the query vector, and nearly orthogonal.
	require.NoError(t, m.Embeddings().Upsert(ctx, &relationaldb.ItemEmbedding{
		ItemID: schorleID, ContentHash: "h1", Vector: []float32{0.95, 0.05, 0}}))
	require.NoError(t, m.Embeddings().Upsert(ctx, &relationaldb.ItemEmbedding{
		ItemID: schnitzelID, ContentHash: "h2", Vector: []float32{0, 1, 0}}))

	resp, err := svc.SearchProducts(ctx, "sparkling apple drink", Options{})
	require.NoError(t, err)
	assert.Equal(t, MethodVector, resp.Metadata.SearchMethod)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, schorleID, resp.Results[0].ItemID)
	require.NotNil(t, resp.Results[0].Similarity)
	assert.Greater(t, *resp.Results[0].Similarity, 99.0)
}

func TestFuzzyStageCatchesTypo(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("provider down")}
	svc, _, schorleID, _ := newSearchRig(t, embedder)

	resp, err := svc.SearchProducts(context.Background(), "Apfelschorlr", Options{})
	require.NoError(t, err)
	assert.Equal(t, MethodFuzzy, resp.Metadata.SearchMethod)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, schorleID, resp.Results[0].ItemID)
	require.NotNil(t, resp.Results[0].LevenshteinDistance)
	assert.Equal(t, 1, *resp.Results[0].LevenshteinDistance)
}

func TestShortQuerySkipsFuzzy(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("provider down")}
	svc, _, _, _ := newSearchRig(t, embedder)

	resp, err := svc.SearchProducts(context.Background(), "zz", Options{})
	require.NoError(t, err)
	assert.Equal(t, MethodNone, resp.Metadata.SearchMethod)
	assert.Empty(t, resp.Results)
}

func TestFTSOnlySkipsFallbacks(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{1, 0, 0}}
	svc, _, _, _ := newSearchRig(t, embedder)

	resp, err := svc.SearchProducts(context.Background(), "nonexistent dish", Options{FTSOnly: true})
	require.NoError(t, err)
	assert.Equal(t, MethodNone, resp.Metadata.SearchMethod)
	assert.Zero(t, embedder.calls)
}

func TestEmptyQueryIsRejected(t *testing.T) {
	svc, _, _, _ := newSearchRig(t, &stubEmbedder{})
	_, err := svc.SearchProducts(context.Background(), "   ", Options{})
	require.Error(t, err)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, float64(1), cosineDistance([]float32{1}, []float32{1, 2}), "length mismatch")
	assert.Equal(t, float64(1), cosineDistance([]float32{0, 0}, []float32{1, 0}), "zero norm")
}
