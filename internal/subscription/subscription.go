// Package subscription caches the upstream Claude Pro/Max plan's usage
// windows (5-hour and 7-day), refreshing lazily when the cache is empty or
// a recorded reset time has passed.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

const usageURL = "https://console.anthropic.com/api/oauth/usage"

// fetchTimeout bounds the OAuth usage fetch per spec.md's timeout section.
const fetchTimeout = 10 * time.Second

// State mirrors the data model's in-memory SubscriptionState. Zero values
// mean "unknown" — the fields are pointers so absence is distinguishable
// from a genuine zero reading.
type State struct {
	FiveHourResetAt      *time.Time
	SevenDayResetAt      *time.Time
	FiveHourUtilization  *float64
	SevenDayUtilization  *float64
}

// Cache holds the latest State behind a reader/writer lock, matching the
// teacher's own sync.RWMutex-guarded cache idiom.
type Cache struct {
	mu     sync.RWMutex
	state  State
	client *http.Client
	accessFn func() (string, error)
}

// New builds a Cache. accessFn supplies the current OAuth access token for
// the authenticated usage fetch.
func New(client *http.Client, accessFn func() (string, error)) *Cache {
	return &Cache{client: client, accessFn: accessFn}
}

// GetOrRefresh returns the cached state, refreshing first if the cache is
// empty or either recorded reset time is already in the past. Failures are
// soft: the cached (possibly default) state is returned and a warning is
// logged.
func (c *Cache) GetOrRefresh() State {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	now := time.Now()
	empty := state.FiveHourResetAt == nil && state.SevenDayResetAt == nil
	expired := (state.FiveHourResetAt != nil && state.FiveHourResetAt.Before(now)) ||
		(state.SevenDayResetAt != nil && state.SevenDayResetAt.Before(now))

	if !empty && !expired {
		return state
	}
	return c.FetchFresh()
}

// FetchFresh always fetches, always updates the cache on success. Both
// network and parse failures are soft: the previous cached state is
// returned and a warning is logged.
func (c *Cache) FetchFresh() State {
	fresh, err := c.fetch()
	if err != nil {
		log.Printf("[subscription] fetch failed, using cached state: %v", err)
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.state
	}

	c.mu.Lock()
	c.state = fresh
	c.mu.Unlock()
	return fresh
}

type usageResponse struct {
	FiveHour *struct {
		ResetsAt    string  `json:"resets_at"`
		Utilization float64 `json:"utilization"`
	} `json:"five_hour"`
	SevenDay *struct {
		ResetsAt    string  `json:"resets_at"`
		Utilization float64 `json:"utilization"`
	} `json:"seven_day"`
}

func (c *Cache) fetch() (State, error) {
	access, err := c.accessFn()
	if err != nil {
		return State{}, fmt.Errorf("no access token: %w", err)
	}
	if access == "" {
		return State{}, fmt.Errorf("no access token available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, usageURL, nil)
	if err != nil {
		return State{}, err
	}
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := c.client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("fetch subscription usage: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return State{}, fmt.Errorf("subscription usage fetch failed (%d): %s", resp.StatusCode, string(body))
	}

	var parsed usageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return State{}, fmt.Errorf("parse subscription usage: %w", err)
	}

	return extractState(parsed)
}

func extractState(r usageResponse) (State, error) {
	var s State
	if r.FiveHour != nil {
		if r.FiveHour.ResetsAt != "" {
			t, err := time.Parse(time.RFC3339, r.FiveHour.ResetsAt)
			if err != nil {
				return State{}, fmt.Errorf("parse five_hour resets_at: %w", err)
			}
			s.FiveHourResetAt = &t
		}
		u := r.FiveHour.Utilization
		s.FiveHourUtilization = &u
	}
	if r.SevenDay != nil {
		if r.SevenDay.ResetsAt != "" {
			t, err := time.Parse(time.RFC3339, r.SevenDay.ResetsAt)
			if err != nil {
				return State{}, fmt.Errorf("parse seven_day resets_at: %w", err)
			}
			s.SevenDayResetAt = &t
		}
		u := r.SevenDay.Utilization
		s.SevenDayUtilization = &u
	}
	return s, nil
}

// Exhausted reports whether either window's utilization has reached 100%.
func (s State) Exhausted() bool {
	if s.FiveHourUtilization != nil && *s.FiveHourUtilization >= 1.0 {
		return true
	}
	if s.SevenDayUtilization != nil && *s.SevenDayUtilization >= 1.0 {
		return true
	}
	return false
}
