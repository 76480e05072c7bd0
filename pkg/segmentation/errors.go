// Package segmentation implements the three-stage LLM pipeline
// (extraction, consolidation, refinement) and the orchestrator that
// drives a run through it.
package segmentation

import "errors"

var (
	// ErrInvalidInput is returned for empty product lists or a blank
	// category. Surfaced as 422 by the API layer.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrStageProtocol is returned when the validator rejects a singleton
	// extraction batch, a consolidation merge or a refinement batch after
	// the retry. Fatal for the run.
	ErrStageProtocol = errors.New("stage protocol error")

	// ErrCallBudgetExceeded is returned when a run hits its LLM-call
	// ceiling. Fatal for the run.
	ErrCallBudgetExceeded = errors.New("llm call budget exceeded")

	// ErrCancelled is recorded when a run is externally cancelled.
	ErrCancelled = errors.New("run cancelled")
)
