package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// InteractionRepository persists the product_segment_llm_interactions
// index. The cache_key column is indexed for O(1) lookup-before-call.
type InteractionRepository struct {
	db *sql.DB
}

// NewInteractionRepository creates an InteractionRepository.
func NewInteractionRepository(db *sql.DB) *InteractionRepository {
	return &InteractionRepository{db: db}
}

// Insert stores one index row and returns its id.
func (r *InteractionRepository) Insert(ctx context.Context, interaction models.Interaction) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO product_segment_llm_interactions
			(run_id, interaction_type, batch_id, attempt, file_path, cache_key, checksum)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		RETURNING id`,
		interaction.RunID, interaction.InteractionType, interaction.BatchID,
		interaction.Attempt, interaction.FilePath, interaction.CacheKey,
		interaction.Checksum,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert interaction index: %w", err)
	}
	return id, nil
}

// GetByCacheKey returns the oldest index row with the given cache key, or
// nil when none exists.
func (r *InteractionRepository) GetByCacheKey(ctx context.Context, cacheKey string) (*models.Interaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, run_id, interaction_type, batch_id, attempt, file_path,
		       COALESCE(cache_key, ''), COALESCE(checksum, ''), created_at
		FROM product_segment_llm_interactions
		WHERE cache_key = $1
		ORDER BY id
		LIMIT 1`, cacheKey)

	var i models.Interaction
	err := row.Scan(&i.ID, &i.RunID, &i.InteractionType, &i.BatchID, &i.Attempt,
		&i.FilePath, &i.CacheKey, &i.Checksum, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query interaction by cache key: %w", err)
	}
	return &i, nil
}

// ListByRun returns all index rows for a run, ordered by id.
func (r *InteractionRepository) ListByRun(ctx context.Context, runID string) ([]models.Interaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, interaction_type, batch_id, attempt, file_path,
		       COALESCE(cache_key, ''), COALESCE(checksum, ''), created_at
		FROM product_segment_llm_interactions
		WHERE run_id = $1
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var interactions []models.Interaction
	for rows.Next() {
		var i models.Interaction
		if err := rows.Scan(&i.ID, &i.RunID, &i.InteractionType, &i.BatchID, &i.Attempt,
			&i.FilePath, &i.CacheKey, &i.Checksum, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		interactions = append(interactions, i)
	}
	return interactions, rows.Err()
}
