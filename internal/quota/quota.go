// Package quota implements the ordered six-step request-admission check:
// window maintenance, global limits, model existence, whitelist, per-model
// limits, and the extra-usage gate. Usage itself lives in an append-only
// ledger (internal/store's request_log) rather than mutable counters, so
// every check here is a SUM aggregation over that ledger.
package quota

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"claude-key-proxy/internal/clientkey"
	"claude-key-proxy/internal/modelcatalog"
	"claude-key-proxy/internal/proxyerr"
	"claude-key-proxy/internal/store"
	"claude-key-proxy/internal/subscription"
)

const (
	fiveHourWindow = 5 * time.Hour
	weeklyWindow   = 7 * 24 * time.Hour
)

type Engine struct {
	db     *sql.DB
	keys   *clientkey.Store
	ledger *store.Store
	models *modelcatalog.Catalog
	subs   *subscription.Cache
}

// New wires the quota engine. db provides direct access to the
// key_allowed_models/key_model_limits tables, which belong to no other
// package's public surface.
func New(db *sql.DB, keys *clientkey.Store, ledger *store.Store, models *modelcatalog.Catalog, subs *subscription.Cache) *Engine {
	return &Engine{db: db, keys: keys, ledger: ledger, models: models, subs: subs}
}

// limitSet is the common shape of {five_hour,weekly,total} limit/count_from
// triples shared by the key-level and per-model-level checks.
type limitSet struct {
	fiveHourLimit, weeklyLimit, totalLimit          *int64
	fiveHourCountFrom, weeklyCountFrom, totalCountFrom int64
}

// Check runs steps 1-6 in order for a (key, model) pair and returns the
// first failure, or nil if admitted. Admission failures are proxyerr.Error
// values of kind RateLimited, InvalidModel or ModelNotAllowed; storage and
// window-maintenance failures are returned as wrapped plain errors.
func (e *Engine) Check(key *clientkey.ClientKey, model string) error {
	now := time.Now().UnixMilli()

	// Step 1: window maintenance.
	if err := e.maintainWindows(key, now); err != nil {
		return fmt.Errorf("window maintenance: %w", err)
	}

	// Step 2: global limits.
	if err := e.checkLimitSet(limitSet{
		fiveHourLimit:      key.FiveHourLimit,
		weeklyLimit:        key.WeeklyLimit,
		totalLimit:         key.TotalLimit,
		fiveHourCountFrom:  key.FiveHourCountFrom,
		weeklyCountFrom:    key.WeeklyCountFrom,
		totalCountFrom:     key.TotalCountFrom,
	}, key.ID, ""); err != nil {
		return err
	}

	// Step 3: model existence.
	enabled, err := e.models.IsEnabled(model)
	if err != nil {
		return fmt.Errorf("check model enabled: %w", err)
	}
	if !enabled {
		return proxyerr.Newf(proxyerr.InvalidModel, "model %q is not available", model)
	}

	// Step 4: whitelist.
	allowed, err := e.isAllowed(key.ID, model)
	if err != nil {
		return fmt.Errorf("check model whitelist: %w", err)
	}
	if !allowed {
		return proxyerr.Newf(proxyerr.ModelNotAllowed, "model %q is not allowed for this key", model)
	}

	// Step 5: per-model limits.
	if err := e.checkModelLimits(key, model); err != nil {
		return err
	}

	// Step 6: extra-usage gate — last, because it is the most expensive
	// and the most likely to succeed.
	if !key.AllowExtraUsage {
		state := e.subs.FetchFresh()
		if state.Exhausted() {
			return proxyerr.New(proxyerr.RateLimited, "subscription usage window is exhausted")
		}
	}

	return nil
}

func (e *Engine) maintainWindows(key *clientkey.ClientKey, now int64) error {
	state := e.subs.GetOrRefresh()

	fiveHourReset := key.FiveHourResetAt
	fiveHourFrom := key.FiveHourCountFrom
	weeklyReset := key.WeeklyResetAt
	weeklyFrom := key.WeeklyCountFrom
	changed := false

	if fiveHourReset != 0 && fiveHourReset <= now {
		fiveHourFrom = fiveHourReset
		if state.FiveHourResetAt != nil && state.FiveHourResetAt.UnixMilli() > now {
			fiveHourReset = state.FiveHourResetAt.UnixMilli()
		} else {
			fiveHourReset = now + fiveHourWindow.Milliseconds()
		}
		changed = true
	} else if state.FiveHourResetAt != nil {
		if sub := state.FiveHourResetAt.UnixMilli(); fiveHourReset == 0 || sub < fiveHourReset {
			fiveHourReset = sub
			changed = true
		}
	}

	if weeklyReset != 0 && weeklyReset <= now {
		weeklyFrom = weeklyReset
		if state.SevenDayResetAt != nil && state.SevenDayResetAt.UnixMilli() > now {
			weeklyReset = state.SevenDayResetAt.UnixMilli()
		} else {
			weeklyReset = now + weeklyWindow.Milliseconds()
		}
		changed = true
	} else if state.SevenDayResetAt != nil {
		if sub := state.SevenDayResetAt.UnixMilli(); weeklyReset == 0 || sub < weeklyReset {
			weeklyReset = sub
			changed = true
		}
	}

	if !changed {
		return nil
	}
	key.FiveHourResetAt, key.FiveHourCountFrom = fiveHourReset, fiveHourFrom
	key.WeeklyResetAt, key.WeeklyCountFrom = weeklyReset, weeklyFrom
	return e.keys.UpdateWindow(key.ID, fiveHourReset, weeklyReset, fiveHourFrom, weeklyFrom)
}

func (e *Engine) checkLimitSet(ls limitSet, keyID, model string) error {
	if ls.fiveHourLimit == nil && ls.weeklyLimit == nil && ls.totalLimit == nil {
		return nil
	}
	if ls.fiveHourLimit != nil {
		usage, err := e.ledger.SumCost(keyID, model, ls.fiveHourCountFrom)
		if err != nil {
			return err
		}
		if usage >= *ls.fiveHourLimit {
			return proxyerr.New(proxyerr.RateLimited, "five-hour spend limit reached")
		}
	}
	if ls.weeklyLimit != nil {
		usage, err := e.ledger.SumCost(keyID, model, ls.weeklyCountFrom)
		if err != nil {
			return err
		}
		if usage >= *ls.weeklyLimit {
			return proxyerr.New(proxyerr.RateLimited, "weekly spend limit reached")
		}
	}
	if ls.totalLimit != nil {
		usage, err := e.ledger.SumCost(keyID, model, ls.totalCountFrom)
		if err != nil {
			return err
		}
		if usage >= *ls.totalLimit {
			return proxyerr.New(proxyerr.RateLimited, "total spend limit reached")
		}
	}
	return nil
}

func (e *Engine) isAllowed(keyID, model string) (bool, error) {
	var total int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM key_allowed_models WHERE key_id = ?`, keyID).Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return true, nil
	}
	var count int
	if err := e.db.QueryRow(
		`SELECT COUNT(*) FROM key_allowed_models WHERE key_id = ? AND model = ?`, keyID, model,
	).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (e *Engine) checkModelLimits(key *clientkey.ClientKey, model string) error {
	var fiveHourLimit, weeklyLimit, totalLimit *int64
	var countFrom int64
	row := e.db.QueryRow(
		`SELECT five_hour_limit, weekly_limit, total_limit, count_from FROM key_model_limits WHERE key_id = ? AND model = ?`,
		key.ID, model)
	var fh, wk, tt sql.NullInt64
	if err := row.Scan(&fh, &wk, &tt, &countFrom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("get model limit: %w", err)
	}
	if fh.Valid {
		v := fh.Int64
		fiveHourLimit = &v
	}
	if wk.Valid {
		v := wk.Int64
		weeklyLimit = &v
	}
	if tt.Valid {
		v := tt.Int64
		totalLimit = &v
	}

	threshold := func(keyWindow int64) int64 {
		if countFrom > keyWindow {
			return countFrom
		}
		return keyWindow
	}

	if fiveHourLimit != nil {
		usage, err := e.ledger.SumCost(key.ID, model, threshold(key.FiveHourCountFrom))
		if err != nil {
			return err
		}
		if usage >= *fiveHourLimit {
			return proxyerr.New(proxyerr.RateLimited, "five-hour per-model spend limit reached")
		}
	}
	if weeklyLimit != nil {
		usage, err := e.ledger.SumCost(key.ID, model, threshold(key.WeeklyCountFrom))
		if err != nil {
			return err
		}
		if usage >= *weeklyLimit {
			return proxyerr.New(proxyerr.RateLimited, "weekly per-model spend limit reached")
		}
	}
	if totalLimit != nil {
		usage, err := e.ledger.SumCost(key.ID, model, threshold(key.TotalCountFrom))
		if err != nil {
			return err
		}
		if usage >= *totalLimit {
			return proxyerr.New(proxyerr.RateLimited, "total per-model spend limit reached")
		}
	}
	return nil
}

// RecordUsage appends one ledger row for a completed request and refreshes
// window timestamps so they stay current even absent a subsequent request.
func (e *Engine) RecordUsage(key *clientkey.ClientKey, model string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) error {
	m, err := e.models.Get(model)
	if err != nil {
		return fmt.Errorf("load model pricing: %w", err)
	}
	var cost int64
	if m != nil {
		cost = m.CostMicrodollars(inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens)
	}

	now := time.Now().UnixMilli()
	if err := e.ledger.AppendRequestLog(store.RequestLogEntry{
		KeyID:            key.ID,
		Model:            model,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		CacheReadTokens:  cacheReadTokens,
		CacheWriteTokens: cacheWriteTokens,
		CostMicrodollars: cost,
		CreatedAt:        now,
	}); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}

	if err := e.keys.UpdateLastUsed(key.ID); err != nil {
		log.Printf("[quota] warning: update last used failed: %v", err)
	}
	return e.maintainWindows(key, now)
}

// Reset advances the named window's count_from to now, leaving historical
// ledger rows untouched.
func (e *Engine) Reset(keyID, window string) error {
	return e.keys.AdvanceCountFrom(keyID, window, time.Now().UnixMilli())
}
