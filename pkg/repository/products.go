package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// ProductStore reads product titles from the upstream amazon_products
// table. Missing ids yield "Product <id>" placeholders so a stale
// product list can never block a run.
type ProductStore struct {
	db *sql.DB
}

// NewProductStore creates a ProductStore.
func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

// GetTitles fetches titles for the given ids in one batched read and
// returns an id → title map covering every requested id.
func (s *ProductStore) GetTitles(ctx context.Context, ids []int64) (map[int64]string, error) {
	titles := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}

	// The pgx stdlib driver accepts Go slices for array parameters.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(title, '') FROM amazon_products WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("query product titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scan product title: %w", err)
		}
		if title != "" {
			titles[id] = title
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := titles[id]; !ok {
			titles[id] = fmt.Sprintf("Product %d", id)
		}
	}
	return titles, nil
}
