package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// AssignmentRepository persists product_segment_assignments: exactly one
// row per (run_id, product_id), carrying the initial and refined
// taxonomy references.
type AssignmentRepository struct {
	db *sql.DB
}

// NewAssignmentRepository creates an AssignmentRepository.
func NewAssignmentRepository(db *sql.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// UpsertInitial writes taxonomy_id_initial for each product, inserting
// the assignment row if absent.
func (r *AssignmentRepository) UpsertInitial(ctx context.Context, runID string, assignments map[int64]int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for productID, taxonomyID := range assignments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO product_segment_assignments (run_id, product_id, taxonomy_id_initial)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, product_id)
			DO UPDATE SET taxonomy_id_initial = EXCLUDED.taxonomy_id_initial`,
			runID, productID, taxonomyID,
		)
		if err != nil {
			return fmt.Errorf("upsert initial assignment for product %d: %w", productID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit initial assignments: %w", err)
	}
	return nil
}

// UpsertRefined writes taxonomy_id_refined for each product. Assignment
// rows must already exist from extraction.
func (r *AssignmentRepository) UpsertRefined(ctx context.Context, runID string, assignments map[int64]int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for productID, taxonomyID := range assignments {
		_, err := tx.ExecContext(ctx, `
			UPDATE product_segment_assignments
			SET taxonomy_id_refined = $3
			WHERE run_id = $1 AND product_id = $2`,
			runID, productID, taxonomyID,
		)
		if err != nil {
			return fmt.Errorf("upsert refined assignment for product %d: %w", productID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refined assignments: %w", err)
	}
	return nil
}

// GetByRun returns all assignments for a run, ordered by product id.
func (r *AssignmentRepository) GetByRun(ctx context.Context, runID string) ([]models.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, product_id, taxonomy_id_initial, taxonomy_id_refined
		FROM product_segment_assignments
		WHERE run_id = $1
		ORDER BY product_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []models.Assignment
	for rows.Next() {
		var a models.Assignment
		var refined sql.NullInt64
		if err := rows.Scan(&a.RunID, &a.ProductID, &a.TaxonomyIDInitial, &refined); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if refined.Valid {
			a.TaxonomyIDRefined = &refined.Int64
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
