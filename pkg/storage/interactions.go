package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/noir-madlax/segmentation-engine/pkg/models"
)

// IndexRepository is the database side of the hybrid cache: one row per
// persisted LLM call, holding the blob pointer and the cache key.
type IndexRepository interface {
	Insert(ctx context.Context, interaction models.Interaction) (int64, error)
	GetByCacheKey(ctx context.Context, cacheKey string) (*models.Interaction, error)
	ListByRun(ctx context.Context, runID string) ([]models.Interaction, error)
}

// Record is the immutable blob written for one LLM interaction.
type Record struct {
	RunID           string                 `json:"run_id"`
	InteractionType models.InteractionType `json:"interaction_type"`
	BatchID         int                    `json:"batch_id"`
	Attempt         int                    `json:"attempt"`
	Timestamp       time.Time              `json:"timestamp"`
	Prompt          string                 `json:"prompt"`
	ResponseText    string                 `json:"response_text"`
	ResponseParsed  json.RawMessage        `json:"response_parsed,omitempty"`
	LatencyMs       int64                  `json:"latency_ms"`
	Metadata        map[string]any         `json:"metadata,omitempty"`
}

// CachedInteraction is a successful cache lookup: the stored record plus
// the index row that pointed at it.
type CachedInteraction struct {
	Record Record
	Index  models.Interaction
}

// InteractionStore combines the blob store and the interaction index.
// Blobs are opaque to the database; the database stores only the pointer.
type InteractionStore struct {
	blobs BlobStore
	index IndexRepository
}

// NewInteractionStore wires the two halves of the hybrid cache.
func NewInteractionStore(blobs BlobStore, index IndexRepository) *InteractionStore {
	return &InteractionStore{blobs: blobs, index: index}
}

// CacheKey derives the 32-hex content hash of a rendered prompt plus its
// context, serialized deterministically (encoding/json sorts map keys).
// Callers must pre-sort any slice values (e.g. taxonomy name sets).
func CacheKey(prompt string, context map[string]any) string {
	payload := prompt
	if len(context) > 0 {
		encoded, err := json.Marshal(context)
		if err == nil {
			payload = prompt + "|||" + string(encoded)
		}
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:32]
}

// interactionPath builds the layout-stable blob key:
// <run_id>/interactions/<type>_batch_<id>_attempt_<n>_<timestamp>_<uuid>.json
func interactionPath(runID string, itype models.InteractionType, batchID, attempt int, now time.Time) string {
	return fmt.Sprintf("%s/interactions/%s_batch_%d_attempt_%d_%s_%s.json",
		runID, itype, batchID, attempt,
		now.UTC().Format("20060102_150405"),
		uuid.NewString()[:8])
}

// Lookup returns the stored interaction for cacheKey, or nil when no
// usable entry exists. A checksum mismatch is logged but the data is
// still returned; a missing blob, or one that does not decode as a
// record, makes the entry absent. Other blob read errors are returned.
func (s *InteractionStore) Lookup(ctx context.Context, cacheKey string) (*CachedInteraction, error) {
	idx, err := s.index.GetByCacheKey(ctx, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("cache index lookup: %w", err)
	}
	if idx == nil {
		return nil, nil
	}

	data, err := s.blobs.Read(ctx, idx.FilePath)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			slog.Warn("Cache index row points at missing blob, treating as miss",
				"cache_key", cacheKey, "file_path", idx.FilePath)
			return nil, nil
		}
		return nil, fmt.Errorf("cache blob read: %w", err)
	}

	if idx.Checksum != "" {
		actual := checksum(data)
		if actual != idx.Checksum {
			slog.Warn("Blob checksum mismatch on cache read",
				"file_path", idx.FilePath, "expected", idx.Checksum, "actual", actual)
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("Cache blob is not a valid interaction record, treating as miss",
			"file_path", idx.FilePath, "error", err)
		return nil, nil
	}

	return &CachedInteraction{Record: rec, Index: *idx}, nil
}

// Store writes the blob and inserts the index row for one completed LLM
// call. Returns the stored index row.
func (s *InteractionStore) Store(ctx context.Context, rec Record, cacheKey string) (*models.Interaction, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal interaction record: %w", err)
	}

	filePath := interactionPath(rec.RunID, rec.InteractionType, rec.BatchID, rec.Attempt, rec.Timestamp)
	if err := s.blobs.Write(ctx, filePath, data); err != nil {
		return nil, fmt.Errorf("write interaction blob: %w", err)
	}

	idx := models.Interaction{
		RunID:           rec.RunID,
		InteractionType: rec.InteractionType,
		BatchID:         rec.BatchID,
		Attempt:         rec.Attempt,
		FilePath:        filePath,
		CacheKey:        cacheKey,
		Checksum:        checksum(data),
	}
	id, err := s.index.Insert(ctx, idx)
	if err != nil {
		return nil, fmt.Errorf("insert interaction index: %w", err)
	}
	idx.ID = id
	return &idx, nil
}

// RecordCacheHit inserts a fresh index row for the current run pointing
// at an existing blob, so cache replays stay auditable without writing
// new blobs.
func (s *InteractionStore) RecordCacheHit(ctx context.Context, runID string, itype models.InteractionType, batchID int, src models.Interaction) error {
	idx := models.Interaction{
		RunID:           runID,
		InteractionType: itype,
		BatchID:         batchID,
		Attempt:         1,
		FilePath:        src.FilePath,
		CacheKey:        src.CacheKey,
		Checksum:        src.Checksum,
	}
	if _, err := s.index.Insert(ctx, idx); err != nil {
		return fmt.Errorf("insert cache-hit index row: %w", err)
	}
	return nil
}

// ArchivePrompt stores a rendered prompt template under
// <run_id>/prompts/<type>_prompt.txt for auditability.
func (s *InteractionStore) ArchivePrompt(ctx context.Context, runID, promptType, content string) error {
	key := fmt.Sprintf("%s/prompts/%s_prompt.txt", runID, promptType)
	if err := s.blobs.Write(ctx, key, []byte(content)); err != nil {
		return fmt.Errorf("archive prompt %s: %w", promptType, err)
	}
	return nil
}

// ListRunInteractions lists all interaction blob keys for a run.
func (s *InteractionStore) ListRunInteractions(ctx context.Context, runID string) ([]string, error) {
	return s.blobs.List(ctx, runID+"/interactions")
}

// ListRunIndex returns the interaction index rows for a run.
func (s *InteractionStore) ListRunIndex(ctx context.Context, runID string) ([]models.Interaction, error) {
	return s.index.ListByRun(ctx, runID)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
