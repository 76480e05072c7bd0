package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noir-madlax/segmentation-engine/pkg/config"
	"github.com/noir-madlax/segmentation-engine/pkg/llm"
	"github.com/noir-madlax/segmentation-engine/pkg/models"
	"github.com/noir-madlax/segmentation-engine/pkg/repository"
	"github.com/noir-madlax/segmentation-engine/pkg/storage"
)

// ---------------------------------------------------------------------------
// In-memory repository fakes
// ---------------------------------------------------------------------------

type memRuns struct {
	mu             sync.Mutex
	runs           map[string]*models.Run
	products       map[string][]int64
	percentHistory map[string][]float64
}

func newMemRuns() *memRuns {
	return &memRuns{
		runs:           make(map[string]*models.Run),
		products:       make(map[string][]int64),
		percentHistory: make(map[string][]float64),
	}
}

func (m *memRuns) Create(_ context.Context, run models.Run, productIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.CreatedAt = time.Now()
	m.runs[run.ID] = &run
	m.products[run.ID] = append([]int64(nil), productIDs...)
	return nil
}

func (m *memRuns) GetByID(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memRuns) GetProducts(_ context.Context, runID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.products[runID]...), nil
}

func (m *memRuns) UpdateStage(_ context.Context, runID string, stage models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.Stage = stage
	return nil
}

func (m *memRuns) UpdateProgress(_ context.Context, runID string, progress models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.SegBatchesDone = progress.SegBatchesDone
	run.ConBatchesDone = progress.ConBatchesDone
	run.RefBatchesDone = progress.RefBatchesDone
	run.ProcessedProducts = progress.ProcessedProducts
	m.percentHistory[runID] = append(m.percentHistory[runID], run.ProgressPercent())
	return nil
}

func (m *memRuns) Complete(_ context.Context, runID string, summary models.ResultSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.Stage = models.StageCompleted
	run.ResultSummary = &summary
	return nil
}

func (m *memRuns) Fail(_ context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	if run.Stage.Terminal() {
		return nil
	}
	run.Stage = models.StageFailed
	run.ErrorMessage = reason
	return nil
}

type memTaxonomies struct {
	mu   sync.Mutex
	seq  int64
	rows []models.Taxonomy
}

func (m *memTaxonomies) BatchCreate(_ context.Context, creates []models.TaxonomyCreate) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nameToID := make(map[string]int64, len(creates))
	for _, c := range creates {
		var existing *models.Taxonomy
		for i := range m.rows {
			row := &m.rows[i]
			if row.RunID == c.RunID && row.Stage == c.Stage && row.SegmentName == c.SegmentName {
				existing = row
				break
			}
		}
		if existing != nil {
			existing.Definition = c.Definition
			nameToID[c.SegmentName] = existing.ID
			continue
		}
		m.seq++
		m.rows = append(m.rows, models.Taxonomy{
			ID: m.seq, RunID: c.RunID, SegmentName: c.SegmentName,
			Definition: c.Definition, Stage: c.Stage,
		})
		nameToID[c.SegmentName] = m.seq
	}
	return nameToID, nil
}

func (m *memTaxonomies) GetByRunAndStage(_ context.Context, runID string, stage models.Stage) ([]models.Taxonomy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Taxonomy
	for _, row := range m.rows {
		if row.RunID == runID && row.Stage == stage {
			out = append(out, row)
		}
	}
	return out, nil
}

type memAssignments struct {
	mu   sync.Mutex
	rows map[string]map[int64]*models.Assignment
}

func newMemAssignments() *memAssignments {
	return &memAssignments{rows: make(map[string]map[int64]*models.Assignment)}
}

func (m *memAssignments) UpsertInitial(_ context.Context, runID string, assignments map[int64]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[runID] == nil {
		m.rows[runID] = make(map[int64]*models.Assignment)
	}
	for pid, taxID := range assignments {
		if existing, ok := m.rows[runID][pid]; ok {
			existing.TaxonomyIDInitial = taxID
			continue
		}
		m.rows[runID][pid] = &models.Assignment{RunID: runID, ProductID: pid, TaxonomyIDInitial: taxID}
	}
	return nil
}

func (m *memAssignments) UpsertRefined(_ context.Context, runID string, assignments map[int64]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, taxID := range assignments {
		if existing, ok := m.rows[runID][pid]; ok {
			id := taxID
			existing.TaxonomyIDRefined = &id
		}
	}
	return nil
}

func (m *memAssignments) GetByRun(_ context.Context, runID string) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Assignment
	for _, a := range m.rows[runID] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

type memTitles map[int64]string

func (m memTitles) GetTitles(_ context.Context, ids []int64) (map[int64]string, error) {
	titles := make(map[int64]string, len(ids))
	for _, id := range ids {
		if t, ok := m[id]; ok {
			titles[id] = t
		} else {
			titles[id] = fmt.Sprintf("Product %d", id)
		}
	}
	return titles, nil
}

type memIndex struct {
	mu   sync.Mutex
	seq  int64
	rows []models.Interaction
}

func (m *memIndex) Insert(_ context.Context, i models.Interaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	i.ID = m.seq
	i.CreatedAt = time.Now()
	m.rows = append(m.rows, i)
	return i.ID, nil
}

func (m *memIndex) GetByCacheKey(_ context.Context, cacheKey string) (*models.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cacheKey == "" {
		return nil, nil
	}
	for _, row := range m.rows {
		if row.CacheKey == cacheKey {
			found := row
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memIndex) ListByRun(_ context.Context, runID string) ([]models.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Interaction
	for _, row := range m.rows {
		if row.RunID == runID {
			out = append(out, row)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Scripted LLM stub
// ---------------------------------------------------------------------------

var promptLineRe = regexp.MustCompile(`(?m)^\[(?:P_)?(\d+)\] (.+?)(?: → .*)?$`)

// stubLLM answers the three prompt shapes deterministically: extraction
// groups products by title keywords, consolidation merges same-purpose
// names, refinement keeps everything. Behaviors are overridable per test.
type stubLLM struct {
	mu    sync.Mutex
	calls int

	// concurrency observation
	inFlight    int
	maxInFlight int
	delay       time.Duration

	extract     func(indices []int, titles []string, attempt int) string
	consolidate func(a, b map[string]stubCategory) string
	refine      func(indices []int, titles []string, attempt int) string
}

type stubCategory struct {
	Definition string   `json:"definition"`
	IDs        []string `json:"ids"`
}

func (s *stubLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubLLM) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *stubLLM) Call(ctx context.Context, prompt string) (*llm.ProviderResponse, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	attempt := 1
	if strings.Contains(prompt, "PREVIOUS ATTEMPT FAILED") {
		attempt = 2
	}

	var text string
	switch {
	case strings.Contains(prompt, "TAXONOMY_A:"):
		a := extractPromptJSON(prompt, "TAXONOMY_A:")
		b := extractPromptJSON(prompt, "TAXONOMY_B:")
		text = s.consolidate(a, b)
	case strings.Contains(prompt, "PRODUCTS WITH CURRENT ASSIGNMENTS"):
		indices, titles := parsePromptLines(prompt)
		text = s.refine(indices, titles, attempt)
	default:
		indices, titles := parsePromptLines(prompt)
		text = s.extract(indices, titles, attempt)
	}
	return &llm.ProviderResponse{Text: text, Usage: &llm.Usage{InputTokens: len(prompt) / 4, OutputTokens: len(text) / 4}}, nil
}

func parsePromptLines(prompt string) ([]int, []string) {
	var indices []int
	var titles []string
	for _, match := range promptLineRe.FindAllStringSubmatch(prompt, -1) {
		var idx int
		fmt.Sscanf(match[1], "%d", &idx)
		indices = append(indices, idx)
		titles = append(titles, match[2])
	}
	return indices, titles
}

func extractPromptJSON(prompt, marker string) map[string]stubCategory {
	pos := strings.Index(prompt, marker)
	if pos == -1 {
		return nil
	}
	snippet, err := ExtractJSONObject(prompt[pos:])
	if err != nil {
		return nil
	}
	var out map[string]stubCategory
	_ = json.Unmarshal([]byte(snippet), &out)
	return out
}

// keywordExtract assigns products whose title contains a keyword to that
// keyword's segment, and everything else to the fallback segment.
func keywordExtract(keyword, segment, fallback string) func([]int, []string, int) string {
	return func(indices []int, titles []string, _ int) string {
		result := make(map[string]stubCategory)
		for i, title := range titles {
			name := fallback
			if strings.Contains(title, keyword) {
				name = segment
			}
			cat := result[name]
			if cat.Definition == "" {
				cat.Definition = name + " products"
			}
			cat.IDs = append(cat.IDs, fmt.Sprint(indices[i]))
			result[name] = cat
		}
		encoded, _ := json.Marshal(result)
		return string(encoded)
	}
}

// unionConsolidate merges both sides by segment name, concatenating the
// synthetic ids. aliases maps a source name to its canonical merged name.
func unionConsolidate(aliases map[string]string) func(a, b map[string]stubCategory) string {
	canonical := func(name string) string {
		if merged, ok := aliases[name]; ok {
			return merged
		}
		return name
	}
	return func(a, b map[string]stubCategory) string {
		result := make(map[string]stubCategory)
		for _, side := range []map[string]stubCategory{a, b} {
			names := make([]string, 0, len(side))
			for name := range side {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				target := canonical(name)
				cat := result[target]
				if cat.Definition == "" {
					cat.Definition = side[name].Definition
				}
				cat.IDs = append(cat.IDs, side[name].IDs...)
				result[target] = cat
			}
		}
		encoded, _ := json.Marshal(result)
		return string(encoded)
	}
}

func noChanges([]int, []string, int) string { return "{}" }

func newStub() *stubLLM {
	return &stubLLM{
		extract:     keywordExtract("WiFi", "Smart", "Manual"),
		consolidate: unionConsolidate(nil),
		refine:      noChanges,
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var testPrompts = &config.Prompts{
	Extraction:    "Derive segments for {product_category} products.",
	Consolidation: "Merge the two taxonomies.\nTAXONOMY_A: {taxonomy_a}\nTAXONOMY_B: {taxonomy_b}",
	Refinement:    "Reassign products where the consolidated taxonomy fits better.",
}

type harness struct {
	service     *Service
	runs        *memRuns
	taxonomies  *memTaxonomies
	assignments *memAssignments
	blobs       *storage.MemoryStore
	index       *memIndex
	stub        *stubLLM
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	processing config.ProcessingConfig
	rateLimit  llm.RateLimiterConfig
	titles     memTitles
}

func withBatchSizes(ext, ref int) harnessOption {
	return func(c *harnessConfig) {
		c.processing.ProductsPerTaxonomyPrompt = ext
		c.processing.ProductsPerRefinement = ref
	}
}

func withMaxCalls(n int) harnessOption {
	return func(c *harnessConfig) { c.processing.MaxLLMCallsPerExecute = n }
}

func withMaxConcurrent(n int) harnessOption {
	return func(c *harnessConfig) { c.rateLimit.MaxConcurrentRequests = n }
}

func withTitles(titles memTitles) harnessOption {
	return func(c *harnessConfig) { c.titles = titles }
}

func newHarness(stub *stubLLM, opts ...harnessOption) *harness {
	hc := &harnessConfig{
		processing: config.ProcessingConfig{
			ProductsPerTaxonomyPrompt:  40,
			TaxonomiesPerConsolidation: 20,
			ProductsPerRefinement:      40,
			MaxLLMCallsPerExecute:      500,
			MaxAttemptsPerCall:         2,
			BatchSeed:                  42,
		},
		rateLimit: llm.RateLimiterConfig{
			MaxRequestsPerMinute:     100000,
			MaxInputTokensPerMinute:  100000000,
			MaxOutputTokensPerMinute: 100000000,
			MaxConcurrentRequests:    100,
			ModelMaxTokens:           4096,
		},
		titles: memTitles{},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &harness{
		runs:        newMemRuns(),
		taxonomies:  &memTaxonomies{},
		assignments: newMemAssignments(),
		blobs:       storage.NewMemoryStore(),
		index:       &memIndex{},
		stub:        stub,
	}

	store := storage.NewInteractionStore(h.blobs, h.index)
	limiter := llm.NewRateLimiter(hc.rateLimit)
	gateway := llm.NewGateway(stub, limiter, hc.processing.MaxAttemptsPerCall)
	llmCfg := config.LLMConfig{Model: "stub-model", Temperature: 0.2, MaxTokens: 4096}

	engine := NewEngine(gateway, store, testPrompts, llmCfg, hc.processing,
		h.taxonomies, h.assignments, hc.titles)
	h.service = NewService(h.runs, h.taxonomies, h.assignments, store, engine,
		llmCfg, hc.processing, testPrompts)
	return h
}

// run creates and executes a run, returning the run id and
// execution error.
func (h *harness) run(ctx context.Context, productIDs []int64, category string) (string, error) {
	runID, err := h.service.CreateRun(ctx, productIDs, category)
	if err != nil {
		return "", err
	}
	return runID, h.service.ExecuteRun(ctx, runID)
}
