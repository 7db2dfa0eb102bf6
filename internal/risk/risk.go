// Package risk records observations that proactive sends to a target may be
// permission-denied, and gates the user-facing hint behind a per-target
// cooldown window.
package risk

import (
	"sync"
	"time"
)

// Level grades an observation.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Source identifies where an observation came from.
type Source string

const (
	// SourceProactiveAPI marks a permission-denied response to a proactive
	// send.
	SourceProactiveAPI Source = "proactive-api"
	// SourceWebhookHint marks an externally supplied hint.
	SourceWebhookHint Source = "webhook-hint"
)

// Observation is the latest recorded risk signal for an (account, target)
// pair.
type Observation struct {
	AccountID  string
	TargetID   string
	Level      Level
	Reason     string
	Source     Source
	ObservedAt time.Time
}

// Registry keeps the latest observation per (account, target) plus the
// hint-cooldown markers. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	obs      map[string]Observation
	hintedAt map[string]time.Time

	now func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		obs:      make(map[string]Observation),
		hintedAt: make(map[string]time.Time),
		now:      time.Now,
	}
}

func key(accountID, targetID string) string {
	return accountID + ":" + targetID
}

// Record upserts the latest observation for (account, target). A zero
// ObservedAt is stamped with the current time.
func (r *Registry) Record(obs Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = r.now()
	}
	r.obs[key(obs.AccountID, obs.TargetID)] = obs
}

// Get returns the latest observation for (account, target).
func (r *Registry) Get(accountID, targetID string) (Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs, ok := r.obs[key(accountID, targetID)]
	return obs, ok
}

// ShouldHint reports whether a user-facing hint is due for (account,
// target): a qualifying observation exists (high level from the proactive
// API) and the pair is outside its cooldown window. The cooldown is
// independent of new observations.
func (r *Registry) ShouldHint(accountID, targetID string, cooldown time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs, ok := r.obs[key(accountID, targetID)]
	if !ok || obs.Level != LevelHigh || obs.Source != SourceProactiveAPI {
		return false
	}
	last, hinted := r.hintedAt[key(accountID, targetID)]
	if hinted && r.now().Sub(last) < cooldown {
		return false
	}
	return true
}

// MarkHinted stamps the cooldown marker for (account, target).
func (r *Registry) MarkHinted(accountID, targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hintedAt[key(accountID, targetID)] = r.now()
}

// Prune drops observations and cooldown markers older than maxAge,
// returning how many entries were removed.
func (r *Registry) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for k, obs := range r.obs {
		if obs.ObservedAt.Before(cutoff) {
			delete(r.obs, k)
			removed++
		}
	}
	for k, at := range r.hintedAt {
		if at.Before(cutoff) {
			delete(r.hintedAt, k)
			removed++
		}
	}
	return removed
}

// CountForAccount returns how many observations an account currently holds.
func (r *Registry) CountForAccount(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	prefix := accountID + ":"
	for k := range r.obs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
