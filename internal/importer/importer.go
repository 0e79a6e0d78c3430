// Package importer implements the bulk catalog load: an atomic replace of
// the company tree followed by embedding resolution with content-addressed
// vector reuse.
package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/embedding"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// catalogTables is the identity-sequence reset set, in referential order.
var catalogTables = []string{
	"items", "categories", "pos_devices", "branches", "companies",
}

// Document is the export format produced by the upstream master data file.
// All references are source identifiers; the importer maps them to storage
// identifiers during insertion.
type Document struct {
	Company    SourceCompany    `json:"company"`
	Branches   []SourceBranch   `json:"branches"`
	POSDevices []SourceDevice   `json:"pos_devices"`
	Categories []SourceCategory `json:"categories"`
	Items      []SourceItem     `json:"items"`
}

type SourceCompany struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	DisplayNames map[string]string `json:"display_names"`
}

type SourceBranch struct {
	ID           string            `json:"id"`
	CompanyID    string            `json:"company_id"`
	Name         string            `json:"name"`
	DisplayNames map[string]string `json:"display_names"`
}

type SourceDevice struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
}

type SourceCategory struct {
	ID           string            `json:"id"`
	POSDeviceID  string            `json:"pos_device_id"`
	DisplayNames map[string]string `json:"display_names"`
	CategoryType string            `json:"category_type"`
	Audit        map[string]string `json:"audit,omitempty"`
}

type SourceItem struct {
	ID            string            `json:"id"`
	CategoryID    string            `json:"category_id"`
	DisplayNames  map[string]string `json:"display_names"`
	Price         decimal.Decimal   `json:"price"`
	Description   string            `json:"description,omitempty"`
	EmbeddingData *EmbeddingData    `json:"embedding_data,omitempty"`
	Audit         map[string]string `json:"audit,omitempty"`
}

// EmbeddingData is a vector carried in the export, keyed by the sha256 of
// the semantic string it was computed from.
type EmbeddingData struct {
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"vector"`
}

// ItemError records one failed item; the import continues past it.
type ItemError struct {
	SourceID string `json:"sourceId"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

// Report summarizes an import run.
type Report struct {
	Companies       int         `json:"companies"`
	Branches        int         `json:"branches"`
	POSDevices      int         `json:"posDevices"`
	Categories      int         `json:"categories"`
	Items           int         `json:"items"`
	EmbeddingsNew   int         `json:"embeddingsComputed"`
	EmbeddingsReuse int         `json:"embeddingsReused"`
	Errors          []ItemError `json:"errors,omitempty"`
}

// Service runs catalog imports.
type Service struct {
	repos relationaldb.RepositoryManager
	cache *embedding.Cache
	log   zerolog.Logger
}

func NewService(repos relationaldb.RepositoryManager, cache *embedding.Cache, logger zerolog.Logger) *Service {
	return &Service{
		repos: repos,
		cache: cache,
		log:   logger.With().Str("component", "importer").Logger(),
	}
}

// ImportFromOopMdf replaces the entire catalog with the given export. The
// tree swap is one write envelope; embedding resolution happens afterwards
// so provider calls never hold the database lock.
func (s *Service) ImportFromOopMdf(ctx context.Context, raw []byte) (*Report, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.WrapError(types.KindValidation, "malformed import document", err)
	}
	if doc.Company.Name == "" {
		return nil, types.Validation("import document has no company")
	}

	report := &Report{}
	itemIDs := make(map[string]int64)    // source item id -> storage id
	semantics := make(map[string]string) // source item id -> semantic string

	err := s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := tc.Catalog().DeleteCatalog(ctx); err != nil {
			return err
		}
		if err := tc.Embeddings().DeleteAll(ctx); err != nil {
			return err
		}
		if err := tc.System().ResetSequences(ctx, catalogTables); err != nil {
			return err
		}
		return s.insertTree(ctx, tc, &doc, report, itemIDs, semantics)
	})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "catalog replace failed", err)
	}

	s.resolveEmbeddings(ctx, &doc, report, itemIDs, semantics)

	s.log.Info().
		Int("items", report.Items).
		Int("embeddings_new", report.EmbeddingsNew).
		Int("embeddings_reused", report.EmbeddingsReuse).
		Int("errors", len(report.Errors)).
		Msg("Catalog import complete")
	return report, nil
}

func (s *Service) insertTree(ctx context.Context, tc relationaldb.TransactionContext, doc *Document, report *Report, itemIDs map[string]int64, semantics map[string]string) error {
	company := &relationaldb.Company{
		Name:         doc.Company.Name,
		DisplayNames: doc.Company.DisplayNames,
	}
	if err := tc.Catalog().InsertCompany(ctx, company); err != nil {
		return err
	}
	report.Companies = 1

	branchIDs := make(map[string]int64, len(doc.Branches))
	for _, b := range doc.Branches {
		row := &relationaldb.Branch{
			CompanyID:    company.ID,
			Name:         b.Name,
			DisplayNames: b.DisplayNames,
		}
		if err := tc.Catalog().InsertBranch(ctx, row); err != nil {
			return err
		}
		branchIDs[b.ID] = row.ID
		report.Branches++
	}

	deviceIDs := make(map[string]int64, len(doc.POSDevices))
	for _, d := range doc.POSDevices {
		branchID, ok := branchIDs[d.BranchID]
		if !ok {
			return types.Validation("pos device %q references unknown branch %q", d.ID, d.BranchID)
		}
		row := &relationaldb.POSDevice{BranchID: branchID, Name: d.Name}
		if err := tc.Catalog().InsertPOSDevice(ctx, row); err != nil {
			return err
		}
		deviceIDs[d.ID] = row.ID
		report.POSDevices++
	}

	categoryIDs := make(map[string]int64, len(doc.Categories))
	categoryNames := make(map[string]string, len(doc.Categories))
	for _, c := range doc.Categories {
		deviceID, ok := deviceIDs[c.POSDeviceID]
		if !ok {
			return types.Validation("category %q references unknown pos device %q", c.ID, c.POSDeviceID)
		}
		row := &relationaldb.Category{
			POSDeviceID:  deviceID,
			DisplayNames: c.DisplayNames,
			CategoryType: c.CategoryType,
			Audit:        c.Audit,
		}
		if err := tc.Catalog().InsertCategory(ctx, row); err != nil {
			return err
		}
		categoryIDs[c.ID] = row.ID
		categoryNames[c.ID] = displayName(c.DisplayNames)
		report.Categories++
	}

	for i := range doc.Items {
		item := &doc.Items[i]
		categoryID, ok := categoryIDs[item.CategoryID]
		if !ok {
			report.Errors = append(report.Errors, ItemError{
				SourceID: item.ID,
				Name:     displayName(item.DisplayNames),
				Error:    fmt.Sprintf("unknown category %q", item.CategoryID),
			})
			continue
		}
		if item.Price.IsNegative() {
			report.Errors = append(report.Errors, ItemError{
				SourceID: item.ID,
				Name:     displayName(item.DisplayNames),
				Error:    "negative price",
			})
			continue
		}

		semantic := SemanticString(categoryNames[item.CategoryID], displayName(item.DisplayNames), item.Description)
		row := &relationaldb.Item{
			CategoryID:    categoryID,
			DisplayNames:  item.DisplayNames,
			Price:         item.Price,
			Description:   item.Description,
			EmbeddingHash: embedding.HashContent(semantic),
			Audit:         item.Audit,
		}
		if err := tc.Catalog().InsertItem(ctx, row); err != nil {
			return err
		}
		itemIDs[item.ID] = row.ID
		semantics[item.ID] = semantic
		report.Items++
	}
	return nil
}

// resolveEmbeddings fills the vector side table. A carried vector whose hash
// matches the current semantic string is reused; everything else goes
// through the cache, which only calls the provider on a true miss. Failures
// are per-item.
func (s *Service) resolveEmbeddings(ctx context.Context, doc *Document, report *Report, itemIDs map[string]int64, semantics map[string]string) {
	for i := range doc.Items {
		item := &doc.Items[i]
		storageID, ok := itemIDs[item.ID]
		if !ok {
			continue
		}
		semantic := semantics[item.ID]
		hash := embedding.HashContent(semantic)

		var vector []float32
		if item.EmbeddingData != nil && item.EmbeddingData.ContentHash == hash && len(item.EmbeddingData.Vector) > 0 {
			vector = item.EmbeddingData.Vector
			if s.cache != nil {
				if err := s.cache.Put(hash, vector); err != nil {
					s.log.Warn().Err(err).Str("item", item.ID).Msg("Failed to seed embedding cache")
				}
			}
			report.EmbeddingsReuse++
		} else if s.cache != nil {
			computed, err := s.cache.GetOrCompute(ctx, hash, semantic)
			if err != nil {
				report.Errors = append(report.Errors, ItemError{
					SourceID: item.ID,
					Name:     displayName(item.DisplayNames),
					Error:    "embedding failed: " + err.Error(),
				})
				continue
			}
			vector = computed
			report.EmbeddingsNew++
		} else {
			continue
		}

		err := s.repos.Embeddings().Upsert(ctx, &relationaldb.ItemEmbedding{
			ItemID:      storageID,
			ContentHash: hash,
			Vector:      vector,
		})
		if err != nil {
			report.Errors = append(report.Errors, ItemError{
				SourceID: item.ID,
				Name:     displayName(item.DisplayNames),
				Error:    "vector store failed: " + err.Error(),
			})
		}
	}
}

// SemanticString is the canonical text an item vector is computed from.
func SemanticString(category, name, description string) string {
	return fmt.Sprintf("Category: %s. Product: %s. Description: %s", category, name, description)
}

func displayName(names map[string]string) string {
	if n, ok := names["de"]; ok && n != "" {
		return n
	}
	if n, ok := names["en"]; ok && n != "" {
		return n
	}
	for _, n := range names {
		if n != "" {
			return n
		}
	}
	return ""
}
