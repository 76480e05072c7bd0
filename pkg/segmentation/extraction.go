package segmentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/noir-madlax/segmentation-engine/pkg/batching"
	"github.com/noir-madlax/segmentation-engine/pkg/llm"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// runExtraction fans the run's products out into deterministic batches,
// proposes a per-batch taxonomy for each via the LLM, and persists the
// per-batch taxonomies plus initial assignments. Returns the per-batch
// segment sets in batch order for consolidation.
func (e *Engine) runExtraction(ctx context.Context, ex *execution, productIDs []int64) ([]taxonomySet, error) {
	titles, err := e.products.GetTitles(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch product titles: %w", err)
	}

	batches := batching.Make(productIDs, e.processing.ProductsPerTaxonomyPrompt, e.processing.BatchSeed)
	slog.Info("Extraction starting", "run_id", ex.runID, "products", len(productIDs), "batches", len(batches))

	sets := make([]taxonomySet, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			drafts, err := e.extractBatch(gctx, ex, i+1, batch, titles)
			if err != nil {
				return err
			}
			set, err := e.persistExtractionBatch(gctx, ex, drafts)
			if err != nil {
				return err
			}
			sets[i] = set
			ex.bumpProgress(gctx, 1, 0, 0, len(batch))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}

// extractBatch issues one extraction call for a batch, recovering from a
// doubly-invalid response by halving the batch and processing both
// halves concurrently. A singleton batch that still fails validation is
// a protocol error; transport failures on a singleton bubble as-is.
func (e *Engine) extractBatch(ctx context.Context, ex *execution, batchID int, batch []int64, titles map[int64]string) (map[string]*segmentDraft, error) {
	prompt := renderExtractionPrompt(e.prompts.Extraction, ex.category, batch, titles)
	validate := func(text string) (bool, any) {
		_, diag := ValidateExtraction(text, len(batch))
		return diag.OK(), diag
	}

	text, err := e.callStage(ctx, ex, models.InteractionExtraction, batchID, prompt, e.cacheContext(nil), validate)
	if err != nil {
		if !isRecoverable(err) {
			return nil, err
		}
		if len(batch) > 1 {
			slog.Warn("Batch failed after retry, splitting",
				"run_id", ex.runID, "batch_id", batchID, "size", len(batch), "error", err)
			return e.splitAndRetry(ctx, ex, batchID, batch, titles)
		}
		if isValidationRejection(err) {
			return nil, fmt.Errorf("%w: batch %d rejected for a single product: %w", ErrStageProtocol, batchID, err)
		}
		return nil, err
	}

	parsed, diag := ValidateExtraction(text, len(batch))
	if !diag.OK() {
		// The gateway only returns validated responses; a divergence here
		// means the validator is not deterministic.
		return nil, fmt.Errorf("%w: batch %d revalidation failed: %s", ErrStageProtocol, batchID, diag)
	}

	drafts := make(map[string]*segmentDraft, len(parsed))
	for name, cat := range parsed {
		draft := &segmentDraft{Name: name, Definition: cat.Definition}
		for _, idStr := range cat.IDs {
			pos := mustAtoi(idStr)
			draft.ProductIDs = append(draft.ProductIDs, batch[pos])
		}
		drafts[name] = draft
	}
	return drafts, nil
}

// splitAndRetry halves a failing batch and processes the halves
// concurrently under a structured join, merging their drafts with the
// same name-based aggregation consolidation input preparation uses.
func (e *Engine) splitAndRetry(ctx context.Context, ex *execution, batchID int, batch []int64, titles map[int64]string) (map[string]*segmentDraft, error) {
	mid := len(batch) / 2
	halves := [][]int64{batch[:mid], batch[mid:]}
	results := make([]map[string]*segmentDraft, 2)

	g, gctx := errgroup.WithContext(ctx)
	for i, half := range halves {
		g.Go(func() error {
			drafts, err := e.extractBatch(gctx, ex, batchID, half, titles)
			if err != nil {
				return err
			}
			results[i] = drafts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*segmentDraft)
	mergeDrafts(merged, results[0])
	mergeDrafts(merged, results[1])
	return merged, nil
}

// persistExtractionBatch writes the batch's taxonomies first, captures
// the returned name → id mapping, then writes assignments referencing
// those ids. OUT_OF_SCOPE members are folded into the first persisted
// segment so every product ends up assigned.
func (e *Engine) persistExtractionBatch(ctx context.Context, ex *execution, drafts map[string]*segmentDraft) (taxonomySet, error) {
	set := sortedSetFromDrafts(drafts)

	var outOfScope []int64
	kept := make(taxonomySet, 0, len(set))
	for _, draft := range set {
		if draft.Name == outOfScopeSegment && len(set) > 1 {
			outOfScope = append(outOfScope, draft.ProductIDs...)
			continue
		}
		kept = append(kept, draft)
	}

	creates := make([]models.TaxonomyCreate, 0, len(kept))
	for _, draft := range kept {
		creates = append(creates, models.TaxonomyCreate{
			RunID:       ex.runID,
			SegmentName: draft.Name,
			Definition:  draft.Definition,
			Stage:       models.StageExtraction,
		})
	}

	nameToID, err := e.taxonomies.BatchCreate(ctx, creates)
	if err != nil {
		return nil, fmt.Errorf("persist extraction taxonomies: %w", err)
	}

	assignments := make(map[int64]int64)
	for _, draft := range kept {
		taxonomyID, ok := nameToID[draft.Name]
		if !ok {
			return nil, fmt.Errorf("repository returned no id for segment %q", draft.Name)
		}
		for _, pid := range draft.ProductIDs {
			assignments[pid] = taxonomyID
		}
	}
	if len(outOfScope) > 0 && len(kept) > 0 {
		fallbackID := nameToID[kept[0].Name]
		for _, pid := range outOfScope {
			assignments[pid] = fallbackID
		}
		kept[0].ProductIDs = append(kept[0].ProductIDs, outOfScope...)
	}

	if err := e.assignments.UpsertInitial(ctx, ex.runID, assignments); err != nil {
		return nil, fmt.Errorf("persist initial assignments: %w", err)
	}
	return kept, nil
}

// isRecoverable reports whether split-and-retry may still rescue the
// batch: exhausted gateway attempts qualify, budget exhaustion and
// cancellation do not.
func isRecoverable(err error) bool {
	if errors.Is(err, ErrCallBudgetExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, llm.ErrCallFailed)
}

// mustAtoi converts an id the validator already vetted as an integer.
func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
