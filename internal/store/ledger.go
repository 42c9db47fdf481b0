package store

import "fmt"

// RequestLogEntry is one append-only row recording a completed request's
// token usage and derived cost. This table is the sole source of truth for
// "usage" — client_keys rows carry only limits and window boundaries.
type RequestLogEntry struct {
	KeyID            string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostMicrodollars int64
	CreatedAt        int64
}

// AppendRequestLog inserts one ledger row. Never updates an existing row.
func (s *Store) AppendRequestLog(e RequestLogEntry) error {
	_, err := s.DB.Exec(`
		INSERT INTO request_log (key_id, model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_microdollars, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.KeyID, e.Model, e.InputTokens, e.OutputTokens,
		e.CacheReadTokens, e.CacheWriteTokens, e.CostMicrodollars, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// SumCost aggregates cost_microdollars for a key (and, when model != "",
// restricted to that model) for rows created at or after since.
func (s *Store) SumCost(keyID, model string, since int64) (int64, error) {
	var sum int64
	var query string
	var args []any
	if model == "" {
		query = `SELECT COALESCE(SUM(cost_microdollars), 0) FROM request_log WHERE key_id = ? AND created_at >= ?`
		args = []any{keyID, since}
	} else {
		query = `SELECT COALESCE(SUM(cost_microdollars), 0) FROM request_log WHERE key_id = ? AND model = ? AND created_at >= ?`
		args = []any{keyID, model, since}
	}
	if err := s.DB.QueryRow(query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum request log cost: %w", err)
	}
	return sum, nil
}
