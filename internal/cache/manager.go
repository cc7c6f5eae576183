// Package cache implements the tolerance-based tiered cache for raw
// connector responses. An entry is accepted when it is "close enough" by
// count, percentage, or age — strict freshness is deliberately not
// required, because the upstream feeds are expensive and append-mostly.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
)

// hardTTL is the storage-level expiry. It only bounds garbage accumulation;
// read-time validity is always decided by the tolerance rules.
const hardTTL = 24 * time.Hour

// Entry is a cached connector response. Entries are never mutated in
// place; refreshes overwrite the whole value.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	Count     int             `json:"count"`
}

// Decode unmarshals the cached payload into dst.
func (e *Entry) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// Manager is the tiered cache for one domain/tenant context. It is
// constructed per domain and passed explicitly; there is no process-global
// cache state.
type Manager struct {
	store   Store
	domain  string
	profile config.ToleranceProfile
	now     func() time.Time
}

// NewManager builds a cache manager scoped to a domain, with the tolerance
// profile resolved once at startup (strict or relaxed).
func NewManager(store Store, domainID string, profile config.ToleranceProfile) *Manager {
	return &Manager{
		store:   store,
		domain:  domainID,
		profile: profile,
		now:     time.Now,
	}
}

func (m *Manager) key(source, fingerprint string) string {
	return fmt.Sprintf("monitor:%s:%s:%s", m.domain, source, fingerprint)
}

// Get returns the cached entry for (source, fingerprint) and whether it is
// valid under the tolerance rules. requestedCount is the caller's current
// expectation of the upstream item count; pass 0 when unknown, which skips
// the count and percentage rules and leaves only the time rule.
//
// A corrupt entry is treated as a miss (and evicted), never surfaced.
func (m *Manager) Get(ctx context.Context, source, fingerprint string, requestedCount int) (*Entry, bool) {
	key := m.key(source, fingerprint)

	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Warn("corrupt cache entry evicted", "key", key, "error", err)
		_ = m.store.Delete(ctx, key)
		return nil, false
	}

	return &entry, m.isValid(&entry, requestedCount)
}

// isValid applies the 3-tier rule in order; first match wins.
func (m *Manager) isValid(entry *Entry, requestedCount int) bool {
	// 1. Count rule: the cache already holds at least as much as requested.
	if requestedCount > 0 && entry.Count >= requestedCount {
		return true
	}
	// 2. Percentage rule: close enough by ratio.
	if requestedCount > 0 && float64(entry.Count)/float64(requestedCount) >= m.profile.Ratio {
		return true
	}
	// 3. Time rule: fresh enough by age.
	return m.now().Sub(entry.FetchedAt) <= m.profile.TTL()
}

// Put overwrites the entry for (source, fingerprint) wholesale.
func (m *Manager) Put(ctx context.Context, source, fingerprint string, payload any, count int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling cache payload: %w", err)
	}

	entry := Entry{Payload: data, FetchedAt: m.now(), Count: count}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	key := m.key(source, fingerprint)
	if err := m.store.Set(ctx, key, raw, hardTTL); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for (source, fingerprint).
func (m *Manager) Invalidate(ctx context.Context, source, fingerprint string) error {
	return m.store.Delete(ctx, m.key(source, fingerprint))
}
