package segmentation

import (
	"context"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// RunStore persists runs and their product lists. The orchestrator is
// the only writer of run and progress fields.
type RunStore interface {
	Create(ctx context.Context, run models.Run, productIDs []int64) error
	GetByID(ctx context.Context, runID string) (*models.Run, error)
	GetProducts(ctx context.Context, runID string) ([]int64, error)
	UpdateStage(ctx context.Context, runID string, stage models.Stage) error
	UpdateProgress(ctx context.Context, runID string, progress models.Run) error
	Complete(ctx context.Context, runID string, summary models.ResultSummary) error
	Fail(ctx context.Context, runID, reason string) error
}

// TaxonomyStore persists derived segments. BatchCreate returns the
// segment-name → id mapping assignments must be written from.
type TaxonomyStore interface {
	BatchCreate(ctx context.Context, taxonomies []models.TaxonomyCreate) (map[string]int64, error)
	GetByRunAndStage(ctx context.Context, runID string, stage models.Stage) ([]models.Taxonomy, error)
}

// AssignmentStore persists product-to-taxonomy assignments.
type AssignmentStore interface {
	UpsertInitial(ctx context.Context, runID string, assignments map[int64]int64) error
	UpsertRefined(ctx context.Context, runID string, assignments map[int64]int64) error
	GetByRun(ctx context.Context, runID string) ([]models.Assignment, error)
}

// ProductTitleStore reads product titles from the upstream product store.
// Missing ids must yield "Product <id>" placeholders.
type ProductTitleStore interface {
	GetTitles(ctx context.Context, ids []int64) (map[int64]string, error)
}
