package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// EmbeddingRepository implements relationaldb.EmbeddingRepository. Vectors
// are stored as little-endian float32 blobs.
type EmbeddingRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewEmbeddingRepository(db *sql.DB, logger zerolog.Logger) *EmbeddingRepository {
	return &EmbeddingRepository{exec: db, log: logger}
}

func NewEmbeddingRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *EmbeddingRepository {
	return &EmbeddingRepository{exec: tx, log: logger}
}

func (r *EmbeddingRepository) Upsert(ctx context.Context, e *relationaldb.ItemEmbedding) error {
	_, err := r.exec.ExecContext(ctx, `
		INSERT INTO item_embeddings (item_id, content_hash, vector)
		VALUES (?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			vector = excluded.vector`,
		e.ItemID, e.ContentHash, encodeVector(e.Vector))
	if err != nil {
		return relationaldb.NewQueryError("upsert_embedding", "failed to upsert embedding", err)
	}
	return nil
}

func (r *EmbeddingRepository) GetByItemID(ctx context.Context, itemID int64) (*relationaldb.ItemEmbedding, error) {
	var e relationaldb.ItemEmbedding
	var blob []byte
	err := r.exec.QueryRowContext(ctx,
		`SELECT item_id, content_hash, vector FROM item_embeddings WHERE item_id = ?`,
		itemID).Scan(&e.ItemID, &e.ContentHash, &blob)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_embedding", "failed to query embedding", err)
	}
	e.Vector = decodeVector(blob)
	return &e, nil
}

func (r *EmbeddingRepository) GetAll(ctx context.Context) ([]relationaldb.ItemEmbedding, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT item_id, content_hash, vector FROM item_embeddings ORDER BY item_id ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_all_embeddings", "failed to query embeddings", err)
	}
	defer rows.Close()

	var out []relationaldb.ItemEmbedding
	for rows.Next() {
		var e relationaldb.ItemEmbedding
		var blob []byte
		if err := rows.Scan(&e.ItemID, &e.ContentHash, &blob); err != nil {
			return nil, relationaldb.NewQueryError("get_all_embeddings", "failed to scan row", err)
		}
		e.Vector = decodeVector(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EmbeddingRepository) DeleteAll(ctx context.Context) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM item_embeddings`)
	if err != nil {
		return relationaldb.NewQueryError("delete_embeddings", "failed to delete embeddings", err)
	}
	return nil
}
