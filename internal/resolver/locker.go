package resolver

import (
	"sort"
	"sync"
)

// KeyedLocker hands out exclusive sections per string key. Multi-key locks
// are taken in sorted order so two callers can never deadlock on each other.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock acquires every key and returns the function releasing them.
func (l *KeyedLocker) Lock(keys ...string) (unlock func()) {
	keys = sortedUnique(keys)
	entries := make([]*keyedEntry, len(keys))
	l.mu.Lock()
	for i, k := range keys {
		e, ok := l.locks[k]
		if !ok {
			e = &keyedEntry{}
			l.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	l.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}
			l.mu.Lock()
			for i, k := range keys {
				entries[i].refs--
				if entries[i].refs == 0 {
					delete(l.locks, k)
				}
			}
			l.mu.Unlock()
		})
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
