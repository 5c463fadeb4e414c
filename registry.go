package orca_hand

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

type portEntry struct {
	owner     string
	claimedAt time.Time
}

// PortRegistry grants exclusive ownership of serial ports to bus sessions.
// One physical hand has exactly one owner; a second claim on the same port fails.
type PortRegistry struct {
	entries map[string]*portEntry // port path -> entry
	mu      sync.RWMutex
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{
		entries: make(map[string]*portEntry),
	}
}

// Claim takes ownership of portPath. The returned release func is safe to call more than once.
func (r *PortRegistry) Claim(portPath, owner string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[portPath]; exists {
		return nil, errors.Wrapf(ErrPortInUse, "%s held by %q since %s",
			portPath, entry.owner, entry.claimedAt.Format(time.RFC3339))
	}

	entry := &portEntry{owner: owner, claimedAt: time.Now()}
	r.entries[portPath] = entry

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			// only drop the entry we created, a force release may have handed the port on
			if r.entries[portPath] == entry {
				delete(r.entries, portPath)
			}
		})
	}, nil
}

// Owner reports who currently holds portPath.
func (r *PortRegistry) Owner(portPath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[portPath]
	if !exists {
		return "", false
	}
	return entry.owner, true
}

// ForceRelease drops ownership of portPath regardless of the holder.
func (r *PortRegistry) ForceRelease(portPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.entries[portPath]
	delete(r.entries, portPath)
	return exists
}

// Len returns the number of claimed ports.
func (r *PortRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
