package segmentation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/noir-madlax/segmentation-engine/pkg/batching"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// runRefinement revisits the extraction-time assignments now that the
// consolidated taxonomy is known. Missing products in a response keep
// their current segment; an empty object means the whole batch stands.
// Unlike extraction there is no split-and-retry: a batch that fails
// validation twice fails the stage so the operator can investigate the
// prompts instead of the engine silently degrading.
func (e *Engine) runRefinement(ctx context.Context, ex *execution, segments []consolidatedSegment, membership map[int64]string, productIDs []int64) error {
	if len(segments) == 0 || len(productIDs) == 0 {
		return nil
	}

	titles, err := e.products.GetTitles(ctx, productIDs)
	if err != nil {
		return fmt.Errorf("fetch product titles: %w", err)
	}

	subcatsSection, nameToSub, subToName := renderSubcategoriesSection(segments)
	segmentIDByName := make(map[string]int64, len(segments))
	for _, seg := range segments {
		segmentIDByName[seg.Name] = seg.ID
	}
	validSubIDs := make(map[string]bool, len(subToName))
	for subID := range subToName {
		validSubIDs[subID] = true
	}
	taxonomyNames := make([]string, 0, len(segments))
	for _, seg := range segments {
		taxonomyNames = append(taxonomyNames, seg.Name)
	}
	sort.Strings(taxonomyNames)

	batches := batching.Make(productIDs, e.processing.ProductsPerRefinement, e.processing.BatchSeed)
	slog.Info("Refinement starting", "run_id", ex.runID, "batches", len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			if err := e.refineBatch(gctx, ex, i+1, batch, titles, membership,
				subcatsSection, nameToSub, subToName, segmentIDByName, validSubIDs, taxonomyNames); err != nil {
				return err
			}
			ex.bumpProgress(gctx, 0, 0, 1, 0)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) refineBatch(
	ctx context.Context,
	ex *execution,
	batchID int,
	batch []int64,
	titles map[int64]string,
	membership map[int64]string,
	subcatsSection string,
	nameToSub, subToName map[string]string,
	segmentIDByName map[string]int64,
	validSubIDs map[string]bool,
	taxonomyNames []string,
) error {
	products := make([]refinementProduct, 0, len(batch))
	for _, pid := range batch {
		current := membership[pid]
		if current == "" {
			// Products whose lineage was lost fall back to the first
			// consolidated segment.
			current = taxonomyNames[0]
		}
		title := titles[pid]
		if title == "" {
			title = fmt.Sprintf("Product %d", pid)
		}
		products = append(products, refinementProduct{
			ProductID:          pid,
			Title:              title,
			CurrentSegmentID:   nameToSub[current],
			CurrentSegmentName: current,
		})
	}

	productsSection, idToProduct := renderProductsSection(products)
	prompt := e.prompts.Refinement + "\n\n" + subcatsSection + productsSection

	batchProductIDs := make(map[string]bool, len(idToProduct))
	for pid := range idToProduct {
		batchProductIDs[pid] = true
	}

	validate := func(text string) (bool, any) {
		_, diag := ValidateRefinement(text, batchProductIDs, validSubIDs)
		return diag.OK(), diag
	}

	text, err := e.callStage(ctx, ex, models.InteractionRefinement, batchID, prompt,
		e.cacheContext(taxonomyNames), validate)
	if err != nil {
		if isValidationRejection(err) {
			return fmt.Errorf("%w: refinement batch %d rejected: %w", ErrStageProtocol, batchID, err)
		}
		return err
	}

	mapping, diag := ValidateRefinement(text, batchProductIDs, validSubIDs)
	if !diag.OK() {
		return fmt.Errorf("%w: refinement batch %d revalidation failed: %s", ErrStageProtocol, batchID, diag)
	}

	// Every product in the batch gets a refined assignment: the LLM's
	// reassignment when present, otherwise its current segment.
	refined := make(map[int64]int64, len(products))
	for i, p := range products {
		target := p.CurrentSegmentName
		if subID, ok := mapping[fmt.Sprintf("P_%d", i)]; ok {
			target = subToName[subID]
		}
		refined[p.ProductID] = segmentIDByName[target]
	}

	if err := e.assignments.UpsertRefined(ctx, ex.runID, refined); err != nil {
		return fmt.Errorf("persist refined assignments: %w", err)
	}
	return nil
}
