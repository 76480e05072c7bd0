package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// TaxonomyRepository persists product_segment_taxonomies.
type TaxonomyRepository struct {
	db *sql.DB
}

// NewTaxonomyRepository creates a TaxonomyRepository.
func NewTaxonomyRepository(db *sql.DB) *TaxonomyRepository {
	return &TaxonomyRepository{db: db}
}

// BatchCreate upserts taxonomies and returns the segment-name → id
// mapping of the persisted rows. Assignments must always be written from
// this mapping, never from positional indices.
func (r *TaxonomyRepository) BatchCreate(ctx context.Context, taxonomies []models.TaxonomyCreate) (map[string]int64, error) {
	nameToID := make(map[string]int64, len(taxonomies))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range taxonomies {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO product_segment_taxonomies (run_id, segment_name, definition, stage)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, stage, segment_name)
			DO UPDATE SET definition = EXCLUDED.definition
			RETURNING id`,
			t.RunID, t.SegmentName, t.Definition, t.Stage,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert taxonomy %q: %w", t.SegmentName, err)
		}
		nameToID[t.SegmentName] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit taxonomy batch: %w", err)
	}
	return nameToID, nil
}

// GetByRunAndStage returns a run's taxonomies for one stage, ordered by id.
func (r *TaxonomyRepository) GetByRunAndStage(ctx context.Context, runID string, stage models.Stage) ([]models.Taxonomy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, segment_name, definition, stage
		FROM product_segment_taxonomies
		WHERE run_id = $1 AND stage = $2
		ORDER BY id`, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("query taxonomies: %w", err)
	}
	defer rows.Close()

	var taxonomies []models.Taxonomy
	for rows.Next() {
		var t models.Taxonomy
		if err := rows.Scan(&t.ID, &t.RunID, &t.SegmentName, &t.Definition, &t.Stage); err != nil {
			return nil, fmt.Errorf("scan taxonomy: %w", err)
		}
		taxonomies = append(taxonomies, t)
	}
	return taxonomies, rows.Err()
}
