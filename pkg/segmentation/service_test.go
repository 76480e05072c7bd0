package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

func TestCreateRunValidation(t *testing.T) {
	h := newHarness(newStub())
	ctx := context.Background()

	t.Run("empty product list", func(t *testing.T) {
		_, err := h.service.CreateRun(ctx, nil, "Lighting")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("blank category", func(t *testing.T) {
		_, err := h.service.CreateRun(ctx, []int64{1}, "   ")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("run id format", func(t *testing.T) {
		runID, err := h.service.CreateRun(ctx, []int64{1, 2}, "Lighting")
		require.NoError(t, err)
		assert.Regexp(t, `^RUN_\d{8}T\d{6}Z_[0-9a-f]{4}$`, runID)
	})

	t.Run("precomputed totals", func(t *testing.T) {
		ids := make([]int64, 90)
		for i := range ids {
			ids[i] = int64(i + 1)
		}
		h := newHarness(newStub(), withBatchSizes(40, 30))
		runID, err := h.service.CreateRun(ctx, ids, "Lighting")
		require.NoError(t, err)

		run, err := h.service.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, 3, run.SegBatchesTotal, "ceil(90/40)")
		assert.Equal(t, 2, run.ConBatchesTotal, "pair-merge count is m-1")
		assert.Equal(t, 3, run.RefBatchesTotal, "ceil(90/30)")
		assert.Equal(t, models.StageInit, run.Stage)
	})
}

func TestTinyHappyPath(t *testing.T) {
	h := newHarness(newStub(), withTitles(memTitles{
		101: "WiFi Dimmer Switch",
		102: "WiFi Rocker Switch",
		103: "Mechanical Toggle",
	}))
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{101, 102, 103}, "Lighting")
	require.NoError(t, err)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, run.Stage)
	require.NotNil(t, run.ResultSummary)
	assert.Equal(t, 2, run.ResultSummary.TaxonomyCount)
	assert.Equal(t, 3, run.ResultSummary.ProductCount)

	results, err := h.service.GetResults(ctx, runID)
	require.NoError(t, err)
	require.Len(t, results.Taxonomies, 2)

	byName := make(map[string]TaxonomyResult)
	for _, tax := range results.Taxonomies {
		byName[tax.SegmentName] = tax
	}
	assert.Equal(t, 2, byName["Smart"].ProductCount)
	assert.Equal(t, 1, byName["Manual"].ProductCount)

	assigned := make(map[int64]int64)
	for _, seg := range results.Segments {
		assigned[seg.ProductID] = seg.TaxonomyID
	}
	assert.Equal(t, byName["Smart"].ID, assigned[101])
	assert.Equal(t, byName["Smart"].ID, assigned[102])
	assert.Equal(t, byName["Manual"].ID, assigned[103])
}

func TestCompletedRunInvariants(t *testing.T) {
	ids := make([]int64, 25)
	titles := memTitles{}
	for i := range ids {
		ids[i] = int64(i + 1)
		if i%2 == 0 {
			titles[ids[i]] = fmt.Sprintf("WiFi Device %d", i)
		} else {
			titles[ids[i]] = fmt.Sprintf("Plain Device %d", i)
		}
	}

	h := newHarness(newStub(), withBatchSizes(10, 10), withTitles(titles))
	ctx := context.Background()
	runID, err := h.run(ctx, ids, "Devices")
	require.NoError(t, err)

	assignments, err := h.assignments.GetByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, assignments, len(ids), "exactly one assignment row per run-product")

	consolidated, err := h.taxonomies.GetByRunAndStage(ctx, runID, models.StageConsolidation)
	require.NoError(t, err)
	consolidatedIDs := make(map[int64]bool)
	for _, tax := range consolidated {
		assert.Equal(t, runID, tax.RunID)
		consolidatedIDs[tax.ID] = true
	}

	extraction, err := h.taxonomies.GetByRunAndStage(ctx, runID, models.StageExtraction)
	require.NoError(t, err)
	extractionIDs := make(map[int64]bool)
	for _, tax := range extraction {
		extractionIDs[tax.ID] = true
	}

	for _, a := range assignments {
		assert.True(t, extractionIDs[a.TaxonomyIDInitial],
			"initial assignment references a stage=extraction taxonomy of this run")
		require.NotNil(t, a.TaxonomyIDRefined, "completed runs populate both taxonomy ids")
		assert.True(t, consolidatedIDs[*a.TaxonomyIDRefined],
			"refined assignment references a stage=consolidation taxonomy of this run")
	}
}

func TestSplitAndRetry(t *testing.T) {
	// Batch size 4 over 8 products gives two extraction batches. Batches
	// of more than two products answer invalidly (no ids listed) on both
	// attempts, forcing a split; the halves of two validate.
	stub := newStub()
	stub.extract = func(indices []int, titles []string, attempt int) string {
		if len(indices) > 2 {
			return `{"Broken":{"definition":"d","ids":[]}}`
		}
		return keywordExtract("WiFi", "Smart", "Manual")(indices, titles, attempt)
	}

	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	titles := memTitles{}
	for _, id := range ids {
		if id <= 4 {
			titles[id] = fmt.Sprintf("WiFi Switch %d", id)
		} else {
			titles[id] = fmt.Sprintf("Toggle %d", id)
		}
	}

	h := newHarness(stub, withBatchSizes(4, 40), withTitles(titles))
	ctx := context.Background()

	runID, err := h.run(ctx, ids, "Switches")
	require.NoError(t, err)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, run.Stage)

	assignments, err := h.assignments.GetByRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, assignments, 8, "assignments complete after split-and-retry")

	percent := run.ProgressPercent()
	assert.InDelta(t, 100.0, percent, 0.001, "progress reaches 100")

	// Each size-4 batch burns 2 provider attempts before splitting, then
	// its two halves succeed with one call each: 2×(2+2) extraction
	// calls, 1 consolidation merge, 1 refinement batch.
	assert.Equal(t, 10, stub.Calls())
}

func TestSingletonBatchProtocolError(t *testing.T) {
	stub := newStub()
	stub.extract = func([]int, []string, int) string { return "not json" }

	h := newHarness(stub)
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{7}, "Lighting")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageProtocol)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, run.Stage)
}

func TestConsolidationMerge(t *testing.T) {
	// Two extraction batches produce "WiFi Switch"/"Mechanical" and the
	// consolidation stub folds "WiFi Switch" into "Smart Switch".
	stub := newStub()
	stub.extract = keywordExtract("WiFi", "WiFi Switch", "Mechanical")
	stub.consolidate = unionConsolidate(map[string]string{"WiFi Switch": "Smart Switch"})

	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	titles := memTitles{}
	for _, id := range ids {
		if id%2 == 0 {
			titles[id] = fmt.Sprintf("WiFi Smart %d", id)
		} else {
			titles[id] = fmt.Sprintf("Toggle %d", id)
		}
	}

	h := newHarness(stub, withBatchSizes(4, 40), withTitles(titles))
	ctx := context.Background()
	runID, err := h.run(ctx, ids, "Switches")
	require.NoError(t, err)

	consolidated, err := h.taxonomies.GetByRunAndStage(ctx, runID, models.StageConsolidation)
	require.NoError(t, err)

	names := make([]string, 0, len(consolidated))
	for _, tax := range consolidated {
		names = append(names, tax.SegmentName)
	}
	assert.ElementsMatch(t, []string{"Smart Switch", "Mechanical"}, names)
	assert.NotContains(t, names, "WiFi Switch")

	results, err := h.service.GetResults(ctx, runID)
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, tax := range results.Taxonomies {
		counts[tax.SegmentName] = tax.ProductCount
	}
	assert.Equal(t, 4, counts["Smart Switch"])
	assert.Equal(t, 4, counts["Mechanical"])
}

func TestRefinementNoOpKeepsCurrent(t *testing.T) {
	h := newHarness(newStub(), withTitles(memTitles{
		1: "WiFi One", 2: "WiFi Two", 3: "Plain Three",
	}))
	ctx := context.Background()
	runID, err := h.run(ctx, []int64{1, 2, 3}, "Lighting")
	require.NoError(t, err)

	consolidated, err := h.taxonomies.GetByRunAndStage(ctx, runID, models.StageConsolidation)
	require.NoError(t, err)
	idByName := make(map[string]int64)
	for _, tax := range consolidated {
		idByName[tax.SegmentName] = tax.ID
	}

	assignments, err := h.assignments.GetByRun(ctx, runID)
	require.NoError(t, err)
	for _, a := range assignments {
		require.NotNil(t, a.TaxonomyIDRefined)
	}

	byProduct := make(map[int64]int64)
	for _, a := range assignments {
		byProduct[a.ProductID] = *a.TaxonomyIDRefined
	}
	assert.Equal(t, idByName["Smart"], byProduct[1])
	assert.Equal(t, idByName["Smart"], byProduct[2])
	assert.Equal(t, idByName["Manual"], byProduct[3])
}

func TestRefinementReassignsProducts(t *testing.T) {
	// The refinement stub moves every product to S_0 (the first segment
	// alphabetically).
	stub := newStub()
	stub.refine = func(indices []int, _ []string, _ int) string {
		mapping := make(map[string]string, len(indices))
		for _, idx := range indices {
			mapping[fmt.Sprintf("P_%d", idx)] = "S_0"
		}
		encoded, _ := json.Marshal(mapping)
		return string(encoded)
	}

	h := newHarness(stub, withTitles(memTitles{1: "WiFi One", 2: "Plain Two"}))
	ctx := context.Background()
	runID, err := h.run(ctx, []int64{1, 2}, "Lighting")
	require.NoError(t, err)

	consolidated, err := h.taxonomies.GetByRunAndStage(ctx, runID, models.StageConsolidation)
	require.NoError(t, err)
	var firstID int64
	for _, tax := range consolidated {
		// Segments are numbered S_0.. in name order; "Manual" sorts first.
		if tax.SegmentName == "Manual" {
			firstID = tax.ID
		}
	}
	require.NotZero(t, firstID)

	assignments, err := h.assignments.GetByRun(ctx, runID)
	require.NoError(t, err)
	for _, a := range assignments {
		require.NotNil(t, a.TaxonomyIDRefined)
		assert.Equal(t, firstID, *a.TaxonomyIDRefined)
	}
}

func TestRefinementFailureFailsStage(t *testing.T) {
	stub := newStub()
	stub.refine = func([]int, []string, int) string { return `{"P_0": "S_999"}` }

	h := newHarness(stub, withTitles(memTitles{1: "WiFi One", 2: "Plain Two"}))
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{1, 2}, "Lighting")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageProtocol)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, run.Stage)
}

func TestCacheReplayIssuesNoProviderCalls(t *testing.T) {
	titles := memTitles{1: "WiFi One", 2: "WiFi Two", 3: "Plain Three", 4: "Plain Four"}
	h := newHarness(newStub(), withBatchSizes(2, 2), withTitles(titles))
	ctx := context.Background()

	runA, err := h.run(ctx, []int64{1, 2, 3, 4}, "Lighting")
	require.NoError(t, err)
	callsAfterA := h.stub.Calls()
	blobsAfterA := h.blobs.Len()
	indexA, err := h.index.ListByRun(ctx, runA)
	require.NoError(t, err)

	runB, err := h.run(ctx, []int64{1, 2, 3, 4}, "Lighting")
	require.NoError(t, err)

	assert.Equal(t, callsAfterA, h.stub.Calls(), "run B issues zero provider calls")
	assert.Equal(t, blobsAfterA+3, h.blobs.Len(), "no new interaction blobs; run B only archives its three prompts")

	indexB, err := h.index.ListByRun(ctx, runB)
	require.NoError(t, err)
	assert.Len(t, indexB, len(indexA), "one fresh index row per cached call")

	pathsA := make(map[string]bool)
	for _, row := range indexA {
		pathsA[row.FilePath] = true
	}
	for _, row := range indexB {
		assert.True(t, pathsA[row.FilePath], "run B rows reference existing blob paths")
	}

	run, err := h.service.GetRun(ctx, runB)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, run.Stage)
}

func TestRateLimitSaturation(t *testing.T) {
	ids := make([]int64, 16)
	titles := memTitles{}
	for i := range ids {
		ids[i] = int64(i + 1)
		titles[ids[i]] = fmt.Sprintf("WiFi Device %d", i)
	}

	stub := newStub()
	stub.delay = 30 * time.Millisecond

	h := newHarness(stub, withBatchSizes(2, 2), withMaxConcurrent(2), withTitles(titles))
	ctx := context.Background()
	_, err := h.run(ctx, ids, "Devices")
	require.NoError(t, err)

	assert.LessOrEqual(t, h.stub.MaxInFlight(), 2,
		"no more than max_concurrent_requests provider calls in flight")
}

func TestCallBudgetExceeded(t *testing.T) {
	ids := make([]int64, 8)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	h := newHarness(newStub(), withBatchSizes(2, 2), withMaxCalls(2))
	ctx := context.Background()

	runID, err := h.run(ctx, ids, "Lighting")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallBudgetExceeded)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, run.Stage)
}

func TestProgressMonotonicallyNonDecreasing(t *testing.T) {
	ids := make([]int64, 30)
	titles := memTitles{}
	for i := range ids {
		ids[i] = int64(i + 1)
		titles[ids[i]] = fmt.Sprintf("WiFi Device %d", i)
	}

	h := newHarness(newStub(), withBatchSizes(5, 5), withTitles(titles))
	ctx := context.Background()
	runID, err := h.run(ctx, ids, "Devices")
	require.NoError(t, err)

	h.runs.mu.Lock()
	history := append([]float64(nil), h.runs.percentHistory[runID]...)
	h.runs.mu.Unlock()

	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1],
			"progress percent must never decrease (step %d)", i)
	}
	assert.InDelta(t, 100.0, history[len(history)-1], 0.001)
}

func TestSingleProductRunCompletes(t *testing.T) {
	h := newHarness(newStub(), withTitles(memTitles{42: "WiFi Lone Device"}))
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{42}, "Lighting")
	require.NoError(t, err)

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, run.Stage)
	assert.Equal(t, 1, run.SegBatchesTotal)
	assert.Equal(t, 0, run.ConBatchesTotal, "consolidation passes through")

	results, err := h.service.GetResults(ctx, runID)
	require.NoError(t, err)
	require.Len(t, results.Taxonomies, 1)
	require.Len(t, results.Segments, 1)
}

func TestMissingTitlesGetPlaceholders(t *testing.T) {
	stub := newStub()
	var seenTitles []string
	inner := stub.extract
	stub.extract = func(indices []int, titles []string, attempt int) string {
		seenTitles = append(seenTitles, titles...)
		return inner(indices, titles, attempt)
	}

	h := newHarness(stub) // no titles registered
	ctx := context.Background()
	_, err := h.run(ctx, []int64{555}, "Lighting")
	require.NoError(t, err)
	assert.Contains(t, seenTitles, "Product 555")
}

func TestExecuteRunIdempotentOnCompleted(t *testing.T) {
	h := newHarness(newStub(), withTitles(memTitles{1: "WiFi One"}))
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{1}, "Lighting")
	require.NoError(t, err)
	calls := h.stub.Calls()

	require.NoError(t, h.service.ExecuteRun(ctx, runID))
	assert.Equal(t, calls, h.stub.Calls(), "re-invoking a completed run is a no-op")
}

func TestExecuteRunUnknownRun(t *testing.T) {
	h := newHarness(newStub())
	err := h.service.ExecuteRun(context.Background(), "RUN_19700101T000000Z_dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancellationFailsRunWithReason(t *testing.T) {
	stub := newStub()
	stub.delay = 5 * time.Second

	h := newHarness(stub, withTitles(memTitles{1: "WiFi One", 2: "Plain Two"}))
	ctx := context.Background()

	runID, err := h.service.CreateRun(ctx, []int64{1, 2}, "Lighting")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.service.ExecuteRun(ctx, runID) }()

	require.Eventually(t, func() bool {
		return h.service.CancelRun(runID)
	}, 2*time.Second, 10*time.Millisecond, "run should register as active")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteRun did not return after cancellation")
	}

	run, err := h.service.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, run.Stage)
	assert.True(t, strings.Contains(run.ErrorMessage, "cancelled"))
}

func TestGetResultsOnFailedRunReturnsPartialData(t *testing.T) {
	stub := newStub()
	stub.refine = func([]int, []string, int) string { return "garbage" }

	h := newHarness(stub, withTitles(memTitles{1: "WiFi One", 2: "Plain Two"}))
	ctx := context.Background()

	runID, err := h.run(ctx, []int64{1, 2}, "Lighting")
	require.Error(t, err)

	results, err := h.service.GetResults(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, results.Stage)
	assert.NotEmpty(t, results.Taxonomies, "consolidated taxonomies survive a refinement failure")
	assert.NotEmpty(t, results.Segments, "initial assignments are still reported")
}
