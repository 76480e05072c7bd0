package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageInit.Terminal())
	assert.False(t, StageExtraction.Terminal())
}

func TestStageBefore(t *testing.T) {
	assert.True(t, StageInit.Before(StageExtraction))
	assert.True(t, StageExtraction.Before(StageRefinement))
	assert.False(t, StageConsolidation.Before(StageExtraction))
	assert.False(t, StageExtraction.Before(StageExtraction))
	assert.False(t, StageFailed.Before(StageExtraction), "failed has no rank")
}

func TestProgressPercent(t *testing.T) {
	run := &Run{}
	assert.Zero(t, run.ProgressPercent(), "no totals yet")

	run = &Run{
		SegBatchesDone: 2, SegBatchesTotal: 4,
		ConBatchesDone: 1, ConBatchesTotal: 3,
		RefBatchesDone: 0, RefBatchesTotal: 3,
	}
	assert.InDelta(t, 30.0, run.ProgressPercent(), 0.001)

	run.SegBatchesDone, run.ConBatchesDone, run.RefBatchesDone = 4, 3, 3
	assert.InDelta(t, 100.0, run.ProgressPercent(), 0.001)
}

func TestAssignmentFinalTaxonomyID(t *testing.T) {
	a := &Assignment{TaxonomyIDInitial: 7}
	assert.Equal(t, int64(7), a.FinalTaxonomyID(), "falls back to initial")

	refined := int64(11)
	a.TaxonomyIDRefined = &refined
	assert.Equal(t, int64(11), a.FinalTaxonomyID())
}
