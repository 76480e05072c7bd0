// Package repository persists runs, taxonomies, assignments, and the LLM
// interaction index in PostgreSQL. All writes are idempotent at the
// (run_id, natural-key) level so a partially completed stage can be
// re-run safely.
package repository

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")
