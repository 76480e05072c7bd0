package segmentation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/noir-madlax/segmentation-engine/pkg/batching"
	"github.com/noir-madlax/segmentation-engine/pkg/config"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
	"github.com/noir-madlax/segmentation-engine/pkg/repository"
	"github.com/noir-madlax/segmentation-engine/pkg/storage"
)

// Service is the orchestrator: it owns run records and progress fields,
// drives a run through the stage engine, and maintains the cancel
// registry for in-flight runs.
type Service struct {
	runs        RunStore
	taxonomies  TaxonomyStore
	assignments AssignmentStore
	store       *storage.InteractionStore
	engine      *Engine
	llmCfg      config.LLMConfig
	processing  config.ProcessingConfig
	prompts     *config.Prompts

	mu     sync.RWMutex
	active map[string]context.CancelFunc
}

// NewService wires the orchestrator.
func NewService(
	runs RunStore,
	taxonomies TaxonomyStore,
	assignments AssignmentStore,
	store *storage.InteractionStore,
	engine *Engine,
	llmCfg config.LLMConfig,
	processing config.ProcessingConfig,
	prompts *config.Prompts,
) *Service {
	return &Service{
		runs:        runs,
		taxonomies:  taxonomies,
		assignments: assignments,
		store:       store,
		engine:      engine,
		llmCfg:      llmCfg,
		processing:  processing,
		prompts:     prompts,
		active:      make(map[string]context.CancelFunc),
	}
}

// generateRunID builds RUN_<UTC-basic-timestamp>_<4-hex>.
func generateRunID() string {
	buf := make([]byte, 2)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("RUN_%s_%s",
		time.Now().UTC().Format("20060102T150405Z"),
		hex.EncodeToString(buf))
}

// CreateRun validates inputs, precomputes the per-stage batch totals,
// and atomically persists the run record plus its product list.
func (s *Service) CreateRun(ctx context.Context, productIDs []int64, productCategory string) (string, error) {
	if len(productIDs) == 0 {
		return "", fmt.Errorf("%w: product_ids must not be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(productCategory) == "" {
		return "", fmt.Errorf("%w: product_category must not be blank", ErrInvalidInput)
	}

	n := len(productIDs)
	segTotal := len(batching.OptimalSizes(n, s.processing.ProductsPerTaxonomyPrompt))
	conTotal := 0
	if segTotal > 1 {
		// Pairwise binary-tree merging of m per-batch sets takes m-1 calls.
		conTotal = segTotal - 1
	}
	refTotal := len(batching.OptimalSizes(n, s.processing.ProductsPerRefinement))

	run := models.Run{
		ID:              generateRunID(),
		Stage:           models.StageInit,
		SegBatchesTotal: segTotal,
		ConBatchesTotal: conTotal,
		RefBatchesTotal: refTotal,
		TotalProducts:   n,
		ProductCategory: productCategory,
		LLMConfig: models.LLMConfig{
			Model:       s.llmCfg.Model,
			Temperature: s.llmCfg.Temperature,
			MaxTokens:   s.llmCfg.MaxTokens,
		},
		ProcessingParams: models.ProcessingParams{
			ExtractionBatchSize:    s.processing.ProductsPerTaxonomyPrompt,
			ConsolidationBatchSize: s.processing.TaxonomiesPerConsolidation,
			RefinementBatchSize:    s.processing.ProductsPerRefinement,
		},
	}

	if err := s.runs.Create(ctx, run, productIDs); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	slog.Info("Run created", "run_id", run.ID, "products", n,
		"seg_batches", segTotal, "con_batches", conTotal, "ref_batches", refTotal)
	return run.ID, nil
}

// ExecuteRun drives a run through extraction, consolidation, and
// refinement. Re-invoking on a completed run is a no-op; re-invoking on
// a run this process is already executing is a no-op; otherwise the run
// re-executes from extraction, which is safe because every write upserts
// on its natural key, the interaction cache replays LLM responses, and
// progress counters never regress below their persisted floor.
//
// On any propagated error the terminal failed stage is written before
// the error is returned.
func (s *Service) ExecuteRun(ctx context.Context, runID string) error {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return s.mapRepoError(err)
	}
	if run.Stage == models.StageCompleted {
		return nil
	}
	if run.Stage == models.StageFailed {
		// Failed is absorbing; a new run must be created instead.
		return fmt.Errorf("%w: run %s already failed", ErrInvalidInput, runID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.register(runID, cancel) {
		slog.Info("Run already executing, ignoring duplicate ExecuteRun", "run_id", runID)
		return nil
	}
	defer s.unregister(runID)

	if err := s.execute(runCtx, run); err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) || errors.Is(runCtx.Err(), context.Canceled) {
			reason = ErrCancelled.Error()
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if failErr := s.runs.Fail(context.WithoutCancel(ctx), runID, reason); failErr != nil {
			slog.Error("Failed to mark run failed", "run_id", runID, "error", failErr)
		}
		slog.Error("Run failed", "run_id", runID, "reason", reason)
		return err
	}
	return nil
}

func (s *Service) execute(ctx context.Context, run *models.Run) error {
	ex := &execution{
		runID:     run.ID,
		category:  run.ProductCategory,
		runs:      s.runs,
		maxCalls:  s.processing.MaxLLMCallsPerExecute,
		floorSeg:  run.SegBatchesDone,
		floorCon:  run.ConBatchesDone,
		floorRef:  run.RefBatchesDone,
		floorProc: run.ProcessedProducts,
	}

	s.archivePrompts(ctx, run.ID)

	productIDs, err := s.runs.GetProducts(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load run products: %w", err)
	}
	if len(productIDs) == 0 {
		return fmt.Errorf("%w: run %s has no products", ErrInvalidInput, run.ID)
	}

	// Stage writes stay forward-only even when a run resumes mid-pipeline.
	stage := run.Stage
	advance := func(next models.Stage) error {
		if !stage.Before(next) {
			return nil
		}
		if err := s.runs.UpdateStage(ctx, run.ID, next); err != nil {
			return err
		}
		stage = next
		return nil
	}

	if err := advance(models.StageExtraction); err != nil {
		return err
	}
	sets, err := s.engine.runExtraction(ctx, ex, productIDs)
	if err != nil {
		return err
	}

	if err := advance(models.StageConsolidation); err != nil {
		return err
	}
	segments, membership, err := s.engine.runConsolidation(ctx, ex, sets)
	if err != nil {
		return err
	}

	if err := advance(models.StageRefinement); err != nil {
		return err
	}
	if err := s.engine.runRefinement(ctx, ex, segments, membership, productIDs); err != nil {
		return err
	}

	ex.mu.Lock()
	summary := models.ResultSummary{
		TaxonomyCount:      len(segments),
		ProductCount:       len(productIDs),
		ExtractionCalls:    ex.segDone,
		ConsolidationCalls: ex.conDone,
		RefinementCalls:    ex.refDone,
	}
	ex.mu.Unlock()

	if err := s.runs.Complete(ctx, run.ID, summary); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	slog.Info("Run completed", "run_id", run.ID, "taxonomies", summary.TaxonomyCount)
	return nil
}

// archivePrompts stores the rendered prompt templates alongside the
// run's interactions. Best-effort: archiving failures never fail a run.
func (s *Service) archivePrompts(ctx context.Context, runID string) {
	for promptType, content := range map[string]string{
		"extraction":    s.prompts.Extraction,
		"consolidation": s.prompts.Consolidation,
		"refinement":    s.prompts.Refinement,
	} {
		if err := s.store.ArchivePrompt(ctx, runID, promptType, content); err != nil {
			slog.Warn("Failed to archive prompt", "run_id", runID, "type", promptType, "error", err)
		}
	}
}

// register stores the run's cancel function. Returns false when the run
// is already executing in this process.
func (s *Service) register(runID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[runID]; exists {
		return false
	}
	s.active[runID] = cancel
	return true
}

func (s *Service) unregister(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}

// CancelRun cancels an in-flight run. Returns true if the run was
// executing in this process; the run then transitions to failed with
// reason=cancelled.
func (s *Service) CancelRun(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
		return true
	}
	return false
}

// GetRun returns the run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	return run, nil
}

// TaxonomyResult is one final segment with its derived product count.
type TaxonomyResult struct {
	ID           int64  `json:"id"`
	SegmentName  string `json:"segment_name"`
	Definition   string `json:"definition"`
	ProductCount int    `json:"product_count"`
}

// SegmentResult is one product's final assignment.
type SegmentResult struct {
	ProductID  int64 `json:"product_id"`
	TaxonomyID int64 `json:"taxonomy_id"`
}

// Results is the run's final answer: the stage=consolidation taxonomies
// plus per-product assignments, each carrying its refined taxonomy id
// with fallback to the initial one.
type Results struct {
	RunID      string           `json:"run_id"`
	Stage      models.Stage     `json:"stage"`
	Taxonomies []TaxonomyResult `json:"taxonomies"`
	Segments   []SegmentResult  `json:"segments"`
}

// GetResults assembles the results view. Failed runs return whatever
// partial data exists.
func (s *Service) GetResults(ctx context.Context, runID string) (*Results, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, s.mapRepoError(err)
	}

	taxonomies, err := s.taxonomies.GetByRunAndStage(ctx, runID, models.StageConsolidation)
	if err != nil {
		return nil, fmt.Errorf("load taxonomies: %w", err)
	}
	assignments, err := s.assignments.GetByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	counts := make(map[int64]int)
	segments := make([]SegmentResult, 0, len(assignments))
	for _, a := range assignments {
		finalID := a.FinalTaxonomyID()
		counts[finalID]++
		segments = append(segments, SegmentResult{ProductID: a.ProductID, TaxonomyID: finalID})
	}

	results := &Results{
		RunID:      runID,
		Stage:      run.Stage,
		Taxonomies: make([]TaxonomyResult, 0, len(taxonomies)),
		Segments:   segments,
	}
	for _, t := range taxonomies {
		results.Taxonomies = append(results.Taxonomies, TaxonomyResult{
			ID:           t.ID,
			SegmentName:  t.SegmentName,
			Definition:   t.Definition,
			ProductCount: counts[t.ID],
		})
	}
	return results, nil
}

// mapRepoError normalizes the repository's not-found sentinel to the
// service's own.
func (s *Service) mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
