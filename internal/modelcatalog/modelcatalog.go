// Package modelcatalog owns the `models` table: id, display order, enabled
// flag, and the four per-token-type USD-per-million prices used to derive
// request cost in microdollars.
package modelcatalog

import (
	"database/sql"
	"fmt"
)

// Model mirrors one row of the models table. Prices are USD per 1,000,000
// tokens, which is numerically identical to microdollars per token.
type Model struct {
	ID              string
	SortOrder       int
	Enabled         bool
	InputPrice      float64
	OutputPrice     float64
	CacheReadPrice  float64
	CacheWritePrice float64
}

type Catalog struct {
	db *sql.DB
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// seed is the literal model list and public Anthropic pricing used when the
// table is empty on first boot.
var seed = []Model{
	{ID: "claude-opus-4-6", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-opus-4-5-20251101", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-opus-4-5", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-sonnet-4-5-20250929", InputPrice: 3, OutputPrice: 15, CacheReadPrice: 0.3, CacheWritePrice: 3.75},
	{ID: "claude-sonnet-4-5", InputPrice: 3, OutputPrice: 15, CacheReadPrice: 0.3, CacheWritePrice: 3.75},
	{ID: "claude-haiku-4-5-20251001", InputPrice: 0.8, OutputPrice: 4, CacheReadPrice: 0.08, CacheWritePrice: 1},
	{ID: "claude-haiku-4-5", InputPrice: 0.8, OutputPrice: 4, CacheReadPrice: 0.08, CacheWritePrice: 1},
	{ID: "claude-opus-4-1-20250805", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-opus-4-1", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-opus-4-20250514", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-opus-4-0", InputPrice: 15, OutputPrice: 75, CacheReadPrice: 1.5, CacheWritePrice: 18.75},
	{ID: "claude-sonnet-4-20250514", InputPrice: 3, OutputPrice: 15, CacheReadPrice: 0.3, CacheWritePrice: 3.75},
	{ID: "claude-sonnet-4-0", InputPrice: 3, OutputPrice: 15, CacheReadPrice: 0.3, CacheWritePrice: 3.75},
}

// SeedIfEmpty inserts the literal model list with sort_order matching its
// declaration order, only if the table currently has no rows.
func (c *Catalog) SeedIfEmpty() error {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&count); err != nil {
		return fmt.Errorf("count models: %w", err)
	}
	if count > 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin seed models: %w", err)
	}
	for i, m := range seed {
		if _, err := tx.Exec(
			`INSERT INTO models (id, sort_order, enabled, input_price, output_price, cache_read_price, cache_write_price)
			 VALUES (?, ?, 1, ?, ?, ?, ?)`,
			m.ID, i, m.InputPrice, m.OutputPrice, m.CacheReadPrice, m.CacheWritePrice,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("seed model %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Get returns a model by id regardless of its enabled flag.
func (c *Catalog) Get(id string) (*Model, error) {
	row := c.db.QueryRow(`SELECT id, sort_order, enabled, input_price, output_price, cache_read_price, cache_write_price
		FROM models WHERE id = ?`, id)
	var m Model
	var enabled int
	if err := row.Scan(&m.ID, &m.SortOrder, &enabled, &m.InputPrice, &m.OutputPrice, &m.CacheReadPrice, &m.CacheWritePrice); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	m.Enabled = enabled != 0
	return &m, nil
}

// IsEnabled reports whether the model exists and is enabled.
func (c *Catalog) IsEnabled(id string) (bool, error) {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM models WHERE id = ? AND enabled = 1`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("check model enabled %s: %w", id, err)
	}
	return count > 0, nil
}

// ListEnabled returns enabled models ordered by sort_order, for /v1/models.
func (c *Catalog) ListEnabled() ([]Model, error) {
	rows, err := c.db.Query(`SELECT id, sort_order, enabled, input_price, output_price, cache_read_price, cache_write_price
		FROM models WHERE enabled = 1 ORDER BY sort_order`)
	if err != nil {
		return nil, fmt.Errorf("list enabled models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		var enabled int
		if err := rows.Scan(&m.ID, &m.SortOrder, &enabled, &m.InputPrice, &m.OutputPrice, &m.CacheReadPrice, &m.CacheWritePrice); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		m.Enabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// CostMicrodollars computes round(Σ tokens_of_type × price_of_type) for a
// model's pricing. Prices are USD/1M tokens, numerically equal to
// microdollars/token, so the raw product is already in microdollars.
func (m Model) CostMicrodollars(inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) int64 {
	cost := float64(inputTokens)*m.InputPrice +
		float64(outputTokens)*m.OutputPrice +
		float64(cacheReadTokens)*m.CacheReadPrice +
		float64(cacheWriteTokens)*m.CacheWritePrice
	if cost < 0 {
		return 0
	}
	return int64(cost + 0.5)
}
