// Package dedup tracks handled message identities per account. It pairs a
// permanent record of successfully-handled messages with a transient
// in-flight table that coalesces concurrent redeliveries of the same
// message, recovering entries that outlive the staleness TTL.
package dedup

import (
	"sync"
	"time"
)

// StaleTTL is the age past which an unresolved in-flight entry is treated
// as abandoned and released to a fresh delivery.
const StaleTTL = 5 * time.Minute

// maxProcessedRecords bounds each account's processed set. Past the bound
// the partition is cleared wholesale; occasionally re-handling an old
// message is accepted over tracking an LRU.
const maxProcessedRecords = 20000

// Outcome is the result of TryBeginProcessing.
type Outcome int

const (
	// OutcomeAcquired means no live entry existed; the caller owns the key
	// and proceeds to handle.
	OutcomeAcquired Outcome = iota
	// OutcomeCoalesced means another delivery of the same message is being
	// handled; the caller must neither dispatch nor acknowledge.
	OutcomeCoalesced
	// OutcomeStaleRecovered means a stale entry was discarded and replaced
	// by this delivery's entry. The stale execution is not canceled; both
	// may complete independently.
	OutcomeStaleRecovered
)

type inflightEntry struct {
	envelopeID string
	acquiredAt time.Time
}

// Store holds the dedup records and in-flight entries for all accounts of
// one gateway, partitioned by account identifier. All methods are safe for
// concurrent use; acquisition is a single atomic check-then-set.
type Store struct {
	mu        sync.Mutex
	processed map[string]map[string]struct{}
	inflight  map[string]map[string]inflightEntry

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return NewStoreWithNow(time.Now)
}

// NewStoreWithNow creates a Store that reads time through now. Tests use it
// to age in-flight entries past the TTL without sleeping.
func NewStoreWithNow(now func() time.Time) *Store {
	return &Store{
		processed: make(map[string]map[string]struct{}),
		inflight:  make(map[string]map[string]inflightEntry),
		now:       now,
	}
}

// TryBeginProcessing attempts to claim (accountID, key) for the delivery
// identified by envelopeID. On OutcomeStaleRecovered the returned duration
// is the age of the discarded entry.
func (s *Store) TryBeginProcessing(accountID, key, envelopeID string) (Outcome, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.inflight[accountID]
	if part == nil {
		part = make(map[string]inflightEntry)
		s.inflight[accountID] = part
	}

	now := s.now()
	if existing, ok := part[key]; ok {
		age := now.Sub(existing.acquiredAt)
		if age < StaleTTL {
			return OutcomeCoalesced, 0
		}
		part[key] = inflightEntry{envelopeID: envelopeID, acquiredAt: now}
		return OutcomeStaleRecovered, age
	}

	part[key] = inflightEntry{envelopeID: envelopeID, acquiredAt: now}
	return OutcomeAcquired, 0
}

// EndProcessing removes the in-flight entry for (accountID, key), but only
// if it still belongs to envelopeID. After a stale recovery the original
// execution's cleanup must not release the replacement entry.
func (s *Store) EndProcessing(accountID, key, envelopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.inflight[accountID]
	if part == nil {
		return
	}
	if entry, ok := part[key]; ok && entry.envelopeID == envelopeID {
		delete(part, key)
	}
}

// IsProcessed reports whether (accountID, key) completed handling before.
func (s *Store) IsProcessed(accountID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[accountID][key]
	return ok
}

// MarkProcessed records (accountID, key) as successfully handled. Called
// exactly once per successful handling; a second call after a dual
// execution is a harmless overwrite.
func (s *Store) MarkProcessed(accountID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.processed[accountID]
	if part == nil {
		part = make(map[string]struct{})
		s.processed[accountID] = part
	}
	if len(part) >= maxProcessedRecords {
		part = make(map[string]struct{})
		s.processed[accountID] = part
	}
	part[key] = struct{}{}
}

// SweepAccount drops every in-flight entry for the account, returning the
// number cleared. Dedup records are untouched. Used on disconnect: a
// dropped connection invalidates in-progress work's ability to acknowledge,
// so retries are unblocked immediately instead of waiting out the TTL.
func (s *Store) SweepAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.inflight[accountID]
	n := len(part)
	if n > 0 {
		delete(s.inflight, accountID)
	}
	return n
}

// InflightCount returns the number of live in-flight entries for an account.
func (s *Store) InflightCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight[accountID])
}

// ProcessedCount returns the number of dedup records for an account.
func (s *Store) ProcessedCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed[accountID])
}
