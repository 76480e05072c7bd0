package segmentation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// runConsolidation merges the per-batch taxonomy sets pairwise until one
// remains, then persists it with stage=consolidation. Pairs merge
// concurrently per recursion level; each merge is one LLM call, so the
// total call count for m sets is m-1. Zero or one input set passes
// through without any call.
//
// Returns the persisted segments (ordered by name) and the product →
// segment-name membership carried through the merges, which refinement
// uses as the "current assignment" rendering.
func (e *Engine) runConsolidation(ctx context.Context, ex *execution, sets []taxonomySet) ([]consolidatedSegment, map[int64]string, error) {
	if len(sets) == 0 {
		return nil, nil, nil
	}

	for len(sets) > 1 {
		next := make([]taxonomySet, (len(sets)+1)/2)
		g, gctx := errgroup.WithContext(ctx)

		for i := 0; i+1 < len(sets); i += 2 {
			g.Go(func() error {
				batchID := ex.nextMergeID()
				merged, err := e.consolidatePair(gctx, ex, batchID, sets[i], sets[i+1])
				if err != nil {
					return err
				}
				next[i/2] = merged
				ex.bumpProgress(gctx, 0, 1, 0, 0)
				return nil
			})
		}
		if len(sets)%2 == 1 {
			next[len(next)-1] = sets[len(sets)-1]
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		sets = next
	}

	final := sets[0]
	sort.Slice(final, func(i, j int) bool { return final[i].Name < final[j].Name })

	creates := make([]models.TaxonomyCreate, 0, len(final))
	for _, seg := range final {
		creates = append(creates, models.TaxonomyCreate{
			RunID:       ex.runID,
			SegmentName: seg.Name,
			Definition:  seg.Definition,
			Stage:       models.StageConsolidation,
		})
	}
	nameToID, err := e.taxonomies.BatchCreate(ctx, creates)
	if err != nil {
		return nil, nil, fmt.Errorf("persist consolidated taxonomies: %w", err)
	}

	segments := make([]consolidatedSegment, 0, len(final))
	membership := make(map[int64]string)
	for _, seg := range final {
		segments = append(segments, consolidatedSegment{
			ID:         nameToID[seg.Name],
			Name:       seg.Name,
			Definition: seg.Definition,
		})
		for _, pid := range seg.ProductIDs {
			membership[pid] = seg.Name
		}
	}

	slog.Info("Consolidation complete", "run_id", ex.runID, "segments", len(segments))
	return segments, membership, nil
}

// consolidatePair merges two segment sets with one LLM call. Each side is
// rewritten as {name: {definition, ids: ["A_i"|"B_j"]}} so provenance
// survives the merge; the validator requires every synthetic id to appear
// exactly once in the output.
func (e *Engine) consolidatePair(ctx context.Context, ex *execution, batchID int, a, b taxonomySet) (taxonomySet, error) {
	sideA := make(consolidationSide, len(a))
	sideB := make(consolidationSide, len(b))
	expected := make(map[string]bool, len(a)+len(b))

	for i, seg := range a {
		id := fmt.Sprintf("A_%d", i)
		sideA[seg.Name] = struct {
			Definition string   `json:"definition"`
			IDs        []string `json:"ids"`
		}{seg.Definition, []string{id}}
		expected[id] = true
	}
	for i, seg := range b {
		id := fmt.Sprintf("B_%d", i)
		sideB[seg.Name] = struct {
			Definition string   `json:"definition"`
			IDs        []string `json:"ids"`
		}{seg.Definition, []string{id}}
		expected[id] = true
	}

	prompt := renderConsolidationPrompt(e.prompts.Consolidation, sideA, sideB)
	validate := func(text string) (bool, any) {
		_, diag := ValidateConsolidation(text, expected)
		return diag.OK(), diag
	}

	text, err := e.callStage(ctx, ex, models.InteractionConsolidation, batchID, prompt, e.cacheContext(nil), validate)
	if err != nil {
		if isValidationRejection(err) {
			return nil, fmt.Errorf("%w: consolidation merge %d rejected: %w", ErrStageProtocol, batchID, err)
		}
		return nil, err
	}

	parsed, diag := ValidateConsolidation(text, expected)
	if !diag.OK() {
		return nil, fmt.Errorf("%w: consolidation merge %d revalidation failed: %s", ErrStageProtocol, batchID, diag)
	}

	// Resolve synthetic ids back to their source segments to carry
	// product membership forward.
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(taxonomySet, 0, len(names))
	for _, name := range names {
		cat := parsed[name]
		seg := segmentDraft{Name: name, Definition: cat.Definition}
		for _, synthetic := range cat.IDs {
			idx := mustAtoi(synthetic[2:])
			switch synthetic[0] {
			case 'A':
				seg.ProductIDs = append(seg.ProductIDs, a[idx].ProductIDs...)
			case 'B':
				seg.ProductIDs = append(seg.ProductIDs, b[idx].ProductIDs...)
			}
		}
		merged = append(merged, seg)
	}
	return merged, nil
}
