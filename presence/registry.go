package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	record    Record
	connected bool
}

// Registry maps connection ids to presence records. Callers only ever see
// copies of the stored records.
type Registry struct {
	mu      sync.RWMutex
	entries map[ConnectionID]*entry
	nowF    func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock returns a Registry that stamps lastSeen using nowF.
func NewRegistryWithClock(nowF func() time.Time) *Registry {
	return &Registry{
		entries: make(map[ConnectionID]*entry),
		nowF:    nowF,
	}
}

// Register creates a record for id, or resurrects a disconnected record that
// has not been evicted yet. resurrected reports which of the two happened.
func (r *Registry) Register(id ConnectionID) (resurrected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowF()
	if e, ok := r.entries[id]; ok {
		if e.connected {
			return false, fmt.Errorf("failed to register %v: %w", id, ErrDuplicateID)
		}
		e.connected = true
		e.record.Status = StatusOnline
		e.record.LastSeen = now
		return true, nil
	}

	r.entries[id] = &entry{record: newRecord(id, now), connected: true}
	return false, nil
}

// ApplyUpdate validates u and merges it into the record for id.
func (r *Registry) ApplyUpdate(id ConnectionID, u Update) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("failed to update %v: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("failed to update %v: %w", id, ErrNotFound)
	}
	u.apply(&e.record)
	e.record.LastSeen = r.nowF()
	return nil
}

// Touch records activity for id without changing anything else.
func (r *Registry) Touch(id ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("failed to touch %v: %w", id, ErrNotFound)
	}
	e.record.LastSeen = r.nowF()
	return nil
}

// MarkDisconnected detaches id from its connection and sets its status. The
// record stays until it is removed or evicted so a quick reconnect keeps it.
func (r *Registry) MarkDisconnected(id ConnectionID, status Status) error {
	if !validStatuses[status] {
		return fmt.Errorf("failed to disconnect %v: %w", id, invalid("status", "unknown status %q", status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("failed to disconnect %v: %w", id, ErrNotFound)
	}
	e.connected = false
	e.record.Status = status
	e.record.LastSeen = r.nowF()
	return nil
}

// Remove deletes the record for id and reports whether one existed.
func (r *Registry) Remove(id ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id ConnectionID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record.clone(), true
}

// Connected reports whether id is attached to a live connection.
func (r *Registry) Connected(id ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.connected
}

// Snapshot returns copies of every record, ordered by connection id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	records := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record.clone())
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectionID < records[j].ConnectionID
	})
	return records
}

// Stale returns the ids whose lastSeen is more than threshold before now.
func (r *Registry) Stale(now time.Time, threshold time.Duration) []ConnectionID {
	cutoff := now.Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []ConnectionID
	for id, e := range r.entries {
		if e.record.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
