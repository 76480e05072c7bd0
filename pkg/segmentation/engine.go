package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/noir-madlax/segmentation-engine/pkg/config"
	"github.com/noir-madlax/segmentation-engine/pkg/llm"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
	"github.com/noir-madlax/segmentation-engine/pkg/storage"
)

// outOfScopeSegment is the reserved category name extraction responses
// may use for products that do not fit the category. When the batch has
// other segments it is not persisted as a taxonomy and its members fall
// back to the batch's first persisted segment (in name order) so every
// product keeps an assignment; when it is the batch's only segment it is
// persisted like any other.
const outOfScopeSegment = "OUT_OF_SCOPE"

// Engine is the stage engine: one type driving all three stages with
// per-stage strategies, shared prompt assembly, validation, and the
// cached gateway path.
type Engine struct {
	gateway     *llm.Gateway
	store       *storage.InteractionStore
	prompts     *config.Prompts
	llmCfg      config.LLMConfig
	processing  config.ProcessingConfig
	taxonomies  TaxonomyStore
	assignments AssignmentStore
	products    ProductTitleStore
}

// NewEngine wires the stage engine.
func NewEngine(
	gateway *llm.Gateway,
	store *storage.InteractionStore,
	prompts *config.Prompts,
	llmCfg config.LLMConfig,
	processing config.ProcessingConfig,
	taxonomies TaxonomyStore,
	assignments AssignmentStore,
	products ProductTitleStore,
) *Engine {
	return &Engine{
		gateway:     gateway,
		store:       store,
		prompts:     prompts,
		llmCfg:      llmCfg,
		processing:  processing,
		taxonomies:  taxonomies,
		assignments: assignments,
		products:    products,
	}
}

// segmentDraft is one in-memory segment before persistence.
type segmentDraft struct {
	Name       string
	Definition string
	ProductIDs []int64
}

// taxonomySet is one ordered per-batch (or merged) segment set.
type taxonomySet []segmentDraft

// consolidatedSegment is a persisted stage=consolidation segment.
type consolidatedSegment struct {
	ID         int64
	Name       string
	Definition string
}

// refinementProduct is one line of a refinement batch rendering.
type refinementProduct struct {
	ProductID          int64
	Title              string
	CurrentSegmentID   string
	CurrentSegmentName string
}

// execution is the per-run mutable state: progress counters, the LLM
// call budget, and the progress floor that keeps counters monotonic
// across re-invocations.
type execution struct {
	runID    string
	category string
	runs     RunStore

	mu       sync.Mutex
	calls    int
	maxCalls int
	mergeSeq int

	segDone, conDone, refDone, processed    int
	floorSeg, floorCon, floorRef, floorProc int
}

// nextMergeID allocates the next sequential consolidation batch id.
func (ex *execution) nextMergeID() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.mergeSeq++
	return ex.mergeSeq
}

// reserveCall consumes one unit of the per-run LLM-call budget.
func (ex *execution) reserveCall() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.calls >= ex.maxCalls {
		return fmt.Errorf("%w: limit %d reached", ErrCallBudgetExceeded, ex.maxCalls)
	}
	ex.calls++
	return nil
}

// snapshot returns the counter values to persist, clamped to the floor
// recorded at execute start so progress never decreases.
func (ex *execution) snapshot() models.Run {
	return models.Run{
		SegBatchesDone:    maxInt(ex.segDone, ex.floorSeg),
		ConBatchesDone:    maxInt(ex.conDone, ex.floorCon),
		RefBatchesDone:    maxInt(ex.refDone, ex.floorRef),
		ProcessedProducts: maxInt(ex.processed, ex.floorProc),
	}
}

// bumpProgress applies delta counters and persists the absolute values so
// the progress stream reflects reality after every batch. The lock is
// held across the write: concurrent batch completions must not reorder
// into a counter regression.
func (ex *execution) bumpProgress(ctx context.Context, segDelta, conDelta, refDelta, processedDelta int) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.segDone += segDelta
	ex.conDone += conDelta
	ex.refDone += refDelta
	ex.processed += processedDelta

	if err := ex.runs.UpdateProgress(ctx, ex.runID, ex.snapshot()); err != nil {
		slog.Warn("Failed to persist progress", "run_id", ex.runID, "error", err)
	}
}

// callStage routes one stage call through the hybrid cache and the
// rate-limited gateway, persisting the interaction either way.
//
// A cache hit whose stored response still passes the validator skips the
// provider entirely and records a fresh index row pointing at the
// existing blob. Anything else goes through SafeCall, whose result is
// written as a new blob plus index row.
func (e *Engine) callStage(
	ctx context.Context,
	ex *execution,
	itype models.InteractionType,
	batchID int,
	prompt string,
	cacheCtx map[string]any,
	validate llm.ValidateFunc,
) (string, error) {
	cacheKey := storage.CacheKey(prompt, cacheCtx)

	cached, err := e.store.Lookup(ctx, cacheKey)
	if err != nil {
		return "", err
	}
	if cached != nil {
		if ok, _ := validate(cached.Record.ResponseText); ok {
			if err := e.store.RecordCacheHit(ctx, ex.runID, itype, batchID, cached.Index); err != nil {
				return "", err
			}
			slog.Debug("Cache hit", "run_id", ex.runID, "type", itype, "batch_id", batchID, "cache_key", cacheKey)
			return cached.Record.ResponseText, nil
		}
		slog.Warn("Cached response no longer validates, falling through to provider",
			"cache_key", cacheKey, "file_path", cached.Index.FilePath)
	}

	if err := ex.reserveCall(); err != nil {
		return "", err
	}

	result, err := e.gateway.SafeCall(ctx, prompt, llm.CallOptions{
		Validate:    validate,
		RetryPrompt: renderRetryPrompt,
		Context:     cacheCtx,
	})
	if err != nil {
		return "", err
	}

	var parsed json.RawMessage
	if snippet, jsonErr := ExtractJSONObject(result.Text); jsonErr == nil {
		parsed = json.RawMessage(snippet)
	}
	rec := storage.Record{
		RunID:           ex.runID,
		InteractionType: itype,
		BatchID:         batchID,
		Attempt:         result.Attempt,
		Prompt:          prompt,
		ResponseText:    result.Text,
		ResponseParsed:  parsed,
		LatencyMs:       result.Latency.Milliseconds(),
		Metadata: map[string]any{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
		},
	}
	if _, err := e.store.Store(ctx, rec, cacheKey); err != nil {
		return "", err
	}
	return result.Text, nil
}

// cacheContext builds the deterministic context dict hashed into the
// cache key. taxonomyNames must already be sorted by the caller.
func (e *Engine) cacheContext(taxonomyNames []string) map[string]any {
	cctx := map[string]any{
		"model":       e.llmCfg.Model,
		"temperature": e.llmCfg.Temperature,
	}
	if taxonomyNames != nil {
		cctx["taxonomy_names"] = taxonomyNames
	}
	return cctx
}

// mergeDrafts aggregates segment drafts by name: definitions deduplicated
// first-wins, product memberships concatenated.
func mergeDrafts(dst map[string]*segmentDraft, src map[string]*segmentDraft) {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		draft := src[name]
		if existing, ok := dst[name]; ok {
			if existing.Definition == "" {
				existing.Definition = draft.Definition
			}
			existing.ProductIDs = append(existing.ProductIDs, draft.ProductIDs...)
		} else {
			dst[name] = &segmentDraft{
				Name:       draft.Name,
				Definition: draft.Definition,
				ProductIDs: append([]int64(nil), draft.ProductIDs...),
			}
		}
	}
}

// sortedSetFromDrafts orders a draft map by segment name for
// deterministic persistence.
func sortedSetFromDrafts(drafts map[string]*segmentDraft) taxonomySet {
	names := make([]string, 0, len(drafts))
	for name := range drafts {
		names = append(names, name)
	}
	sort.Strings(names)

	set := make(taxonomySet, 0, len(names))
	for _, name := range names {
		set = append(set, *drafts[name])
	}
	return set
}

// isValidationRejection distinguishes validator-exhausted calls from
// transport failures, which drive the split-vs-fail decision.
func isValidationRejection(err error) bool {
	return errors.Is(err, llm.ErrValidationRejected)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
