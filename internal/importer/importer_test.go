package importer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkasse/kassad/internal/embedding"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/storage/relationaldb/sqlite"
)

type countingProvider struct {
	calls atomic.Int64
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return []float32{0.1, 0.2, 0.3}, nil
}

func testDocument() Document {
	return Document{
		Company: SourceCompany{ID: "c1", Name: "Gasthaus",
			DisplayNames: map[string]string{"de": "Gasthaus"}},
		Branches: []SourceBranch{
			{ID: "b1", CompanyID: "c1", Name: "Main"},
		},
		POSDevices: []SourceDevice{
			{ID: "d1", BranchID: "b1", Name: "Theke"},
		},
		Categories: []SourceCategory{
			{ID: "cat1", POSDeviceID: "d1", CategoryType: "drink",
				DisplayNames: map[string]string{"de": "Getränke"}},
		},
		Items: []SourceItem{
			{ID: "i1", CategoryID: "cat1",
				DisplayNames: map[string]string{"de": "Apfelschorle"},
				Price:        decimal.RequireFromString("3.20"),
				Description:  "Apple spritzer"},
			{ID: "i2", CategoryID: "cat1",
				DisplayNames: map[string]string{"de": "Cola"},
				Price:        decimal.RequireFromString("2.80")},
		},
	}
}

func newImportRig(t *testing.T) (*Service, relationaldb.RepositoryManager, *countingProvider) {
	t.Helper()
	ctx := context.Background()

	m := sqlite.NewManager(sqlite.Config{Path: filepath.Join(t.TempDir(), "import.db")}, zerolog.Nop())
	require.NoError(t, m.Open(ctx))
	t.Cleanup(func() { m.Close(ctx) })

	provider := &countingProvider{}
	cache, err := embedding.NewCache(filepath.Join(t.TempDir(), "cache.db"), provider, 16, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return NewService(m, cache, zerolog.Nop()), m, provider
}

func marshal(t *testing.T, doc Document) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestImportBuildsTree(t *testing.T) {
	svc, repos, provider := newImportRig(t)
	ctx := context.Background()

	report, err := svc.ImportFromOopMdf(ctx, marshal(t, testDocument()))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Companies)
	assert.Equal(t, 1, report.Branches)
	assert.Equal(t, 1, report.POSDevices)
	assert.Equal(t, 1, report.Categories)
	assert.Equal(t, 2, report.Items)
	assert.Empty(t, report.Errors)
	assert.Equal(t, int64(2), provider.calls.Load())

	products, err := repos.Catalog().GetProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)

	vectors, err := repos.Embeddings().GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
}

func TestReimportMakesZeroProviderCalls(t *testing.T) {
	svc, _, provider := newImportRig(t)
	ctx := context.Background()

	raw := marshal(t, testDocument())
	_, err := svc.ImportFromOopMdf(ctx, raw)
	require.NoError(t, err)
	first := provider.calls.Load()

	report, err := svc.ImportFromOopMdf(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items)
	assert.Equal(t, first, provider.calls.Load(), "unchanged items must reuse cached vectors")
}

func TestCarriedEmbeddingIsReused(t *testing.T) {
	svc, repos, provider := newImportRig(t)
	ctx := context.Background()

	doc := testDocument()
	doc.Items = doc.Items[:1]
	semantic := SemanticString("Getränke", "Apfelschorle", "Apple spritzer")
	doc.Items[0].EmbeddingData = &EmbeddingData{
		ContentHash: embedding.HashContent(semantic),
		Vector:      []float32{0.7, 0.7, 0},
	}

	report, err := svc.ImportFromOopMdf(ctx, marshal(t, doc))
	require.NoError(t, err)
	assert.Equal(t, 1, report.EmbeddingsReuse)
	assert.Zero(t, report.EmbeddingsNew)
	assert.Zero(t, provider.calls.Load())

	vectors, err := repos.Embeddings().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0.7, 0.7, 0}, vectors[0].Vector)
}

func TestStaleCarriedEmbeddingIsRecomputed(t *testing.T) {
	svc, _, provider := newImportRig(t)
	ctx := context.Background()

	doc := testDocument()
	doc.Items = doc.Items[:1]
	doc.Items[0].EmbeddingData = &EmbeddingData{
		ContentHash: "stale-hash",
		Vector:      []float32{1, 1, 1},
	}

	report, err := svc.ImportFromOopMdf(ctx, marshal(t, doc))
	require.NoError(t, err)
	assert.Zero(t, report.EmbeddingsReuse)
	assert.Equal(t, 1, report.EmbeddingsNew)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestBadItemDoesNotAbortImport(t *testing.T) {
	svc, repos, _ := newImportRig(t)
	ctx := context.Background()

	doc := testDocument()
	doc.Items = append(doc.Items, SourceItem{
		ID: "i3", CategoryID: "missing",
		DisplayNames: map[string]string{"de": "Geisterware"},
		Price:        decimal.NewFromInt(1),
	})

	report, err := svc.ImportFromOopMdf(ctx, marshal(t, doc))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "i3", report.Errors[0].SourceID)

	products, err := repos.Catalog().GetProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestImportReplacesPreviousCatalog(t *testing.T) {
	svc, repos, _ := newImportRig(t)
	ctx := context.Background()

	_, err := svc.ImportFromOopMdf(ctx, marshal(t, testDocument()))
	require.NoError(t, err)

	replacement := testDocument()
	replacement.Items = replacement.Items[:1]
	replacement.Items[0].DisplayNames = map[string]string{"de": "Spezi"}
	_, err = svc.ImportFromOopMdf(ctx, marshal(t, replacement))
	require.NoError(t, err)

	products, err := repos.Catalog().GetProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Spezi", products[0].Name)
}

func TestMalformedDocumentRejected(t *testing.T) {
	svc, _, _ := newImportRig(t)
	_, err := svc.ImportFromOopMdf(context.Background(), []byte("{not json"))
	require.Error(t, err)
}
