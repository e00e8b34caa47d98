// Package registry implements the wallet registry (§4.2): an append-only set
// of monitored addresses tagged with discovery source and scan cadence.
package registry

import (
	"sync"
	"time"

	"liqsentinel"
)

// Store is the durable write-through target for registry mutations. The
// concrete implementation lives in internal/db; tests use an in-memory fake.
type Store interface {
	UpsertWallet(w liqsentinel.Wallet) error
}

// Registry holds every known wallet in memory, guarded by a mutex, and
// mirrors every mutation to Store. It never removes an entry — §3's
// monotonic-registry invariant is enforced simply by having no delete method.
type Registry struct {
	mu      sync.RWMutex
	wallets map[string]liqsentinel.Wallet
	store   Store
}

// New builds an empty Registry backed by store. Seed with Restore to load
// persisted state.
func New(store Store) *Registry {
	return &Registry{
		wallets: make(map[string]liqsentinel.Wallet),
		store:   store,
	}
}

// Restore seeds the in-memory registry from a previously persisted set,
// called once at startup.
func (r *Registry) Restore(wallets []liqsentinel.Wallet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range wallets {
		r.wallets[w.Address] = w
	}
}

// Upsert inserts a newly discovered address or merges a rediscovery from a
// different source, per the §4.2 merge rule: keep the earliest first_seen,
// union the source tags, prefer a non-null cohort label.
func (r *Registry) Upsert(address string, source liqsentinel.DiscoverySource, cohort string, aggregateValue *float64) error {
	r.mu.Lock()
	now := time.Now()
	existing, ok := r.wallets[address]
	if !ok {
		w := liqsentinel.Wallet{
			Address:   address,
			Sources:   []liqsentinel.DiscoverySource{source},
			Cohort:    cohort,
			FirstSeen: now,
			Frequency: liqsentinel.FrequencyInfrequent,
		}
		if aggregateValue != nil {
			w.LastValue = *aggregateValue
			w.Frequency = liqsentinel.FrequencyFor(*aggregateValue)
		}
		r.wallets[address] = w
		existing = w
	} else {
		if !existing.HasSource(source) {
			existing.Sources = append(existing.Sources, source)
		}
		if existing.Cohort == "" && cohort != "" {
			existing.Cohort = cohort
		}
		if aggregateValue != nil {
			existing.LastValue = *aggregateValue
			existing.Frequency = liqsentinel.FrequencyFor(*aggregateValue)
		}
		r.wallets[address] = existing
	}
	r.mu.Unlock()

	if r.store != nil {
		return r.store.UpsertWallet(existing)
	}
	return nil
}

// MarkScanned records a completed scan: updates last_scanned, last_value, scan
// count, and recomputes the frequency class.
func (r *Registry) MarkScanned(address string, aggregateValue float64, positionsFound int) error {
	r.mu.Lock()
	w, ok := r.wallets[address]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	w.LastScanned = time.Now()
	w.LastValue = aggregateValue
	w.ScanCount++
	w.Frequency = liqsentinel.FrequencyFor(aggregateValue)
	r.wallets[address] = w
	r.mu.Unlock()

	if r.store != nil {
		return r.store.UpsertWallet(w)
	}
	return nil
}

// IterDue returns every address due for scanning at now, per §4.2's
// scheduling policy: never scanned, normal-frequency (scanned every cycle),
// or infrequent and at least 24h since the last scan.
func (r *Registry) IterDue(now time.Time) []liqsentinel.Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]liqsentinel.Wallet, 0, len(r.wallets))
	for _, w := range r.wallets {
		if w.LastScanned.IsZero() {
			due = append(due, w)
			continue
		}
		switch w.Frequency {
		case liqsentinel.FrequencyNormal:
			due = append(due, w)
		case liqsentinel.FrequencyInfrequent:
			if now.Sub(w.LastScanned) >= 24*time.Hour {
				due = append(due, w)
			}
		}
	}
	return due
}

// Size returns the number of registered wallets.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wallets)
}

// Get returns a wallet by address.
func (r *Registry) Get(address string) (liqsentinel.Wallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[address]
	return w, ok
}
