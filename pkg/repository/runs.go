package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// RunRepository persists product_segment_runs and the run-product list.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a RunRepository over the shared connection.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts the run record and its product associations atomically.
func (r *RunRepository) Create(ctx context.Context, run models.Run, productIDs []int64) error {
	llmConfig, err := json.Marshal(run.LLMConfig)
	if err != nil {
		return fmt.Errorf("marshal llm_config: %w", err)
	}
	params, err := json.Marshal(run.ProcessingParams)
	if err != nil {
		return fmt.Errorf("marshal processing_params: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_segment_runs (
			id, stage,
			seg_batches_total, con_batches_total, ref_batches_total,
			total_products, product_category, llm_config, processing_params
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Stage,
		run.SegBatchesTotal, run.ConBatchesTotal, run.RefBatchesTotal,
		run.TotalProducts, run.ProductCategory, llmConfig, params,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, pid := range productIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO product_segment_run_products (run_id, product_id)
			VALUES ($1, $2)
			ON CONFLICT (run_id, product_id) DO NOTHING`,
			run.ID, pid,
		)
		if err != nil {
			return fmt.Errorf("insert run product %d: %w", pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run create: %w", err)
	}
	return nil
}

// GetByID returns the run or ErrNotFound.
func (r *RunRepository) GetByID(ctx context.Context, runID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, stage,
		       seg_batches_done, seg_batches_total,
		       con_batches_done, con_batches_total,
		       ref_batches_done, ref_batches_total,
		       total_products, processed_products,
		       product_category, llm_config, processing_params,
		       result_summary, COALESCE(error_message, ''), created_at
		FROM product_segment_runs WHERE id = $1`, runID)

	var run models.Run
	var llmConfig, params []byte
	var summary sql.Null[[]byte]
	err := row.Scan(
		&run.ID, &run.Stage,
		&run.SegBatchesDone, &run.SegBatchesTotal,
		&run.ConBatchesDone, &run.ConBatchesTotal,
		&run.RefBatchesDone, &run.RefBatchesTotal,
		&run.TotalProducts, &run.ProcessedProducts,
		&run.ProductCategory, &llmConfig, &params,
		&summary, &run.ErrorMessage, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query run: %w", err)
	}

	if err := json.Unmarshal(llmConfig, &run.LLMConfig); err != nil {
		return nil, fmt.Errorf("unmarshal llm_config: %w", err)
	}
	if err := json.Unmarshal(params, &run.ProcessingParams); err != nil {
		return nil, fmt.Errorf("unmarshal processing_params: %w", err)
	}
	if summary.Valid && len(summary.V) > 0 {
		run.ResultSummary = &models.ResultSummary{}
		if err := json.Unmarshal(summary.V, run.ResultSummary); err != nil {
			return nil, fmt.Errorf("unmarshal result_summary: %w", err)
		}
	}
	return &run, nil
}

// GetProducts returns the product ids associated with a run, in ascending
// id order.
func (r *RunRepository) GetProducts(ctx context.Context, runID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id FROM product_segment_run_products
		WHERE run_id = $1 ORDER BY product_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run products: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run product: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStage transitions the run to the given stage. Only the stage
// column is written; counters are left as they are.
func (r *RunRepository) UpdateStage(ctx context.Context, runID string, stage models.Stage) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE product_segment_runs SET stage = $2 WHERE id = $1`, runID, stage)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return requireRow(res)
}

// UpdateProgress writes the absolute batch counters and processed count.
func (r *RunRepository) UpdateProgress(ctx context.Context, runID string, progress models.Run) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE product_segment_runs SET
			seg_batches_done = $2, con_batches_done = $3, ref_batches_done = $4,
			processed_products = $5
		WHERE id = $1`,
		runID,
		progress.SegBatchesDone, progress.ConBatchesDone, progress.RefBatchesDone,
		progress.ProcessedProducts,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

// Complete marks the run completed and records the result summary.
func (r *RunRepository) Complete(ctx context.Context, runID string, summary models.ResultSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal result_summary: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE product_segment_runs SET stage = 'completed', result_summary = $2
		WHERE id = $1`, runID, data)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireRow(res)
}

// Fail marks the run failed with a reason. Failed is absorbing: a run
// already terminal is left untouched.
func (r *RunRepository) Fail(ctx context.Context, runID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE product_segment_runs SET stage = 'failed', error_message = $2
		WHERE id = $1 AND stage NOT IN ('completed', 'failed')`, runID, reason)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
