package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// CatalogRepository implements relationaldb.CatalogRepository.
type CatalogRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewCatalogRepository(db *sql.DB, logger zerolog.Logger) *CatalogRepository {
	return &CatalogRepository{exec: db, log: logger}
}

func NewCatalogRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *CatalogRepository {
	return &CatalogRepository{exec: tx, log: logger}
}

func (r *CatalogRepository) GetCategories(ctx context.Context) ([]relationaldb.Category, error) {
	rows, err := r.exec.QueryContext(ctx, `
		SELECT id, pos_device_id, display_names, category_type, audit, created_at, updated_at
		FROM categories ORDER BY id ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_categories", "failed to query categories", err)
	}
	defer rows.Close()

	var out []relationaldb.Category
	for rows.Next() {
		c, err := r.scanCategory(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_categories", "failed to scan row", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) scanCategory(row interface{ Scan(...interface{}) error }) (*relationaldb.Category, error) {
	var c relationaldb.Category
	var displayNames, audit, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.POSDeviceID, &displayNames, &c.CategoryType, &audit, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.DisplayNames = decodeStringMapColumn(displayNames, "categories.display_names", r.log)
	c.Audit = decodeStringMapColumn(audit, "categories.audit", r.log)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (r *CatalogRepository) GetCategoryByID(ctx context.Context, id int64) (*relationaldb.Category, error) {
	row := r.exec.QueryRowContext(ctx, `
		SELECT id, pos_device_id, display_names, category_type, audit, created_at, updated_at
		FROM categories WHERE id = ?`, id)
	c, err := r.scanCategory(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_category", "failed to query category", err)
	}
	return c, nil
}

func (r *CatalogRepository) scanItem(row interface{ Scan(...interface{}) error }) (*relationaldb.Item, error) {
	var i relationaldb.Item
	var displayNames, price, audit, createdAt, updatedAt string
	if err := row.Scan(&i.ID, &i.CategoryID, &displayNames, &price, &i.Description,
		&i.EmbeddingHash, &audit, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	i.DisplayNames = decodeStringMapColumn(displayNames, "items.display_names", r.log)
	i.Price = parseDecimal(price, r.log)
	i.Audit = decodeStringMapColumn(audit, "items.audit", r.log)
	i.CreatedAt = parseTime(createdAt)
	i.UpdatedAt = parseTime(updatedAt)
	return &i, nil
}

const itemSelect = `SELECT id, category_id, display_names, price, description,
	embedding_hash, audit, created_at, updated_at FROM items`

func (r *CatalogRepository) GetItemsByCategory(ctx context.Context, categoryID int64) ([]relationaldb.Item, error) {
	rows, err := r.exec.QueryContext(ctx, itemSelect+` WHERE category_id = ? ORDER BY id ASC`, categoryID)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_items_by_category", "failed to query items", err)
	}
	defer rows.Close()

	var out []relationaldb.Item
	for rows.Next() {
		i, err := r.scanItem(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_items_by_category", "failed to scan row", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) GetItemByID(ctx context.Context, id int64) (*relationaldb.Item, error) {
	row := r.exec.QueryRowContext(ctx, itemSelect+` WHERE id = ?`, id)
	i, err := r.scanItem(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_item_by_id", "failed to query item", err)
	}
	return i, nil
}

// GetProducts returns the flattened item view used by search fallbacks.
func (r *CatalogRepository) GetProducts(ctx context.Context) ([]relationaldb.ProductRow, error) {
	rows, err := r.exec.QueryContext(ctx, `
		SELECT i.id, i.display_names, i.price, c.display_names
		FROM items i JOIN categories c ON c.id = i.category_id
		ORDER BY i.id ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_products", "failed to query products", err)
	}
	defer rows.Close()

	var out []relationaldb.ProductRow
	for rows.Next() {
		var p relationaldb.ProductRow
		var itemNames, price, catNames string
		if err := rows.Scan(&p.ItemID, &itemNames, &price, &catNames); err != nil {
			return nil, relationaldb.NewQueryError("get_products", "failed to scan row", err)
		}
		p.Name = primaryName(decodeStringMapColumn(itemNames, "items.display_names", r.log))
		p.CategoryName = primaryName(decodeStringMapColumn(catNames, "categories.display_names", r.log))
		p.Price = parseDecimal(price, r.log)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SearchFullText queries the FTS index. The query is tokenized and each token
// quoted so user input cannot inject FTS5 syntax.
func (r *CatalogRepository) SearchFullText(ctx context.Context, query string) ([]relationaldb.ProductRow, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := r.exec.QueryContext(ctx, `
		SELECT f.item_id, f.name, f.category_name, i.price
		FROM items_fts f JOIN items i ON i.id = f.item_id
		WHERE items_fts MATCH ?
		ORDER BY rank`, match)
	if err != nil {
		return nil, relationaldb.NewQueryError("search_fts", "failed to query full-text index", err)
	}
	defer rows.Close()

	var out []relationaldb.ProductRow
	for rows.Next() {
		var p relationaldb.ProductRow
		var price string
		if err := rows.Scan(&p.ItemID, &p.Name, &p.CategoryName, &price); err != nil {
			return nil, relationaldb.NewQueryError("search_fts", "failed to scan row", err)
		}
		p.Price = parseDecimal(price, r.log)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into a safe FTS5 match expression: each token
// quoted, joined with OR, trailing prefix match on the last token. A
// double-quoted span in the input stays together as one phrase token; the
// quote characters themselves are never emitted inside a token, so user
// input cannot break out into FTS5 syntax.
func ftsQuery(query string) string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range query {
		switch {
		case r == '"':
			if inQuote {
				flush()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		if i == len(tokens)-1 {
			parts[i] = `"` + tok + `"*`
		} else {
			parts[i] = `"` + tok + `"`
		}
	}
	return strings.Join(parts, " OR ")
}

// primaryName picks a display name, preferring German then English.
func primaryName(names map[string]string) string {
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

func (r *CatalogRepository) InsertCompany(ctx context.Context, c *relationaldb.Company) error {
	displayNames, err := relationaldb.EncodeJSON(c.DisplayNames)
	if err != nil {
		return relationaldb.NewQueryError("insert_company", "failed to encode display names", err)
	}
	now := nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO companies (name, display_names, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		c.Name, displayNames, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_company", "failed to insert company", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (r *CatalogRepository) InsertBranch(ctx context.Context, b *relationaldb.Branch) error {
	displayNames, err := relationaldb.EncodeJSON(b.DisplayNames)
	if err != nil {
		return relationaldb.NewQueryError("insert_branch", "failed to encode display names", err)
	}
	now := nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO branches (company_id, name, display_names, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.CompanyID, b.Name, displayNames, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_branch", "failed to insert branch", err)
	}
	b.ID, _ = res.LastInsertId()
	return nil
}

func (r *CatalogRepository) InsertPOSDevice(ctx context.Context, d *relationaldb.POSDevice) error {
	now := nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO pos_devices (branch_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		d.BranchID, d.Name, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_pos_device", "failed to insert pos device", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

func (r *CatalogRepository) InsertCategory(ctx context.Context, c *relationaldb.Category) error {
	displayNames, err := relationaldb.EncodeJSON(c.DisplayNames)
	if err != nil {
		return relationaldb.NewQueryError("insert_category", "failed to encode display names", err)
	}
	audit, err := relationaldb.EncodeJSON(c.Audit)
	if err != nil {
		return relationaldb.NewQueryError("insert_category", "failed to encode audit", err)
	}
	now := nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO categories (pos_device_id, display_names, category_type, audit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.POSDeviceID, displayNames, c.CategoryType, audit, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_category", "failed to insert category", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (r *CatalogRepository) InsertItem(ctx context.Context, i *relationaldb.Item) error {
	displayNames, err := relationaldb.EncodeJSON(i.DisplayNames)
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to encode display names", err)
	}
	audit, err := relationaldb.EncodeJSON(i.Audit)
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to encode audit", err)
	}
	now := nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO items (category_id, display_names, price, description, embedding_hash, audit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		i.CategoryID, displayNames, i.Price.String(), i.Description, i.EmbeddingHash,
		audit, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to insert item", err)
	}
	i.ID, _ = res.LastInsertId()

	// Keep the full-text index in step with the items table.
	var catNames string
	row := r.exec.QueryRowContext(ctx, `SELECT display_names FROM categories WHERE id = ?`, i.CategoryID)
	if err := row.Scan(&catNames); err != nil && err != sql.ErrNoRows {
		return relationaldb.NewQueryError("insert_item", "failed to load category names", err)
	}
	categoryName := primaryName(decodeStringMapColumn(catNames, "categories.display_names", r.log))

	_, err = r.exec.ExecContext(ctx,
		`INSERT INTO items_fts (name, category_name, item_id) VALUES (?, ?, ?)`,
		primaryName(i.DisplayNames), categoryName, i.ID)
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to index item", err)
	}
	return nil
}

// DeleteCatalog removes the whole tree in referential order.
func (r *CatalogRepository) DeleteCatalog(ctx context.Context) error {
	statements := []string{
		`DELETE FROM items_fts`,
		`DELETE FROM item_embeddings`,
		`DELETE FROM items`,
		`DELETE FROM categories`,
		`DELETE FROM pos_devices`,
		`DELETE FROM branches`,
		`DELETE FROM companies`,
	}
	for _, stmt := range statements {
		if _, err := r.exec.ExecContext(ctx, stmt); err != nil {
			return relationaldb.NewQueryError("delete_catalog", "failed to clear table", err)
		}
	}
	return nil
}
