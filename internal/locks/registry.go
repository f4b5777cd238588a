package locks

import (
	"sync"
	"time"
)

// Entry describes a held lock.
type Entry struct {
	Key    string
	Source string
	Reason string
	HeldAt time.Time
	TTL    time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.HeldAt) >= e.TTL
}

// Registry is a mutex-guarded map of TTL locks. Two instances serve the
// process: the exit-lock registry (long TTL, recovers from a crashed exit
// attempt) and the retry-lock registry (sub-second TTL, pure dedup window).
type Registry struct {
	mu         sync.Mutex
	entries    map[string]Entry
	defaultTTL time.Duration
	now        func() time.Time
}

func NewRegistry(defaultTTL time.Duration) *Registry {
	return &Registry{
		entries:    make(map[string]Entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// TryAcquire takes the lock if it is free or its previous holder expired.
// It never blocks; contention is the caller's signal to back off.
func (r *Registry) TryAcquire(key, source, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur, ok := r.entries[key]; ok && !cur.expired(now) {
		return false
	}
	r.entries[key] = Entry{
		Key:    key,
		Source: source,
		Reason: reason,
		HeldAt: now,
		TTL:    r.defaultTTL,
	}
	return true
}

func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Held reports whether the key is currently locked (expired entries count as
// free).
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[key]
	return ok && !cur.expired(r.now())
}

// Sweep drops expired entries and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if e.expired(now) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}
