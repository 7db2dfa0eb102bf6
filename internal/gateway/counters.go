package gateway

import (
	"sync"

	"github.com/rs/zerolog"
)

// Counters track per-account inbound handling outcomes.
type Counters struct {
	mu           sync.Mutex
	ok           uint64
	dedupSkipped uint64
	failed       uint64
}

// CountersSnapshot is a point-in-time copy of the counters.
type CountersSnapshot struct {
	OK           uint64 `json:"ok"`
	DedupSkipped uint64 `json:"dedupSkipped"`
	Failed       uint64 `json:"failed"`
}

// Snapshot returns a copy of the current values.
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CountersSnapshot{OK: c.ok, DedupSkipped: c.dedupSkipped, Failed: c.failed}
}

// bump increments the named counter and logs the running totals.
func (c *Counters) bump(log zerolog.Logger, event string) {
	c.mu.Lock()
	switch event {
	case "ok":
		c.ok++
	case "dedup-skipped":
		c.dedupSkipped++
	case "failed":
		c.failed++
	}
	snap := CountersSnapshot{OK: c.ok, DedupSkipped: c.dedupSkipped, Failed: c.failed}
	c.mu.Unlock()

	log.Info().Msgf("Inbound counters (%s): ok=%d dedup-skipped=%d failed=%d",
		event, snap.OK, snap.DedupSkipped, snap.Failed)
}
