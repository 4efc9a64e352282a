package history

import (
	"sort"
	"sync"
	"sync/atomic"

	"afaqbot/internal/domain"
)

// entry is one user's conversation. All fields are guarded by mu.
type entry struct {
	mu       sync.Mutex
	messages []domain.Message
	version  uint64 // bumped on every mutation
	saved    uint64 // version last written to the store
	deleted  bool   // set by eviction before the entry leaves the directory
}

// Table maps user keys to bounded conversations. The directory is a
// sync.Map so lookups never contend; each conversation has its own lock.
type Table struct {
	maxHistory int
	entries    sync.Map // string -> *entry
	size       atomic.Int64
}

// NewTable creates an empty table that keeps at most maxHistory messages per key.
func NewTable(maxHistory int) *Table {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Table{maxHistory: maxHistory}
}

// acquire returns the live entry for key, creating it if needed. The entry is
// returned locked.
func (t *Table) acquire(key string) *entry {
	for {
		v, ok := t.entries.Load(key)
		if !ok {
			var loaded bool
			v, loaded = t.entries.LoadOrStore(key, &entry{})
			if !loaded {
				t.size.Add(1)
			}
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		// Evicted between Load and Lock; the directory no longer holds it.
		e.mu.Unlock()
	}
}

// lookup returns the live entry for key locked, or nil if the key is absent.
func (t *Table) lookup(key string) *entry {
	for {
		v, ok := t.entries.Load(key)
		if !ok {
			return nil
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		e.mu.Unlock()
	}
}

// Append adds msg to key's conversation and drops the oldest messages beyond
// the table's limit.
func (t *Table) Append(key string, msg domain.Message) {
	e := t.acquire(key)
	defer e.mu.Unlock()

	e.messages = append(e.messages, msg)
	if n := len(e.messages); n > t.maxHistory {
		// Copy so the dropped prefix does not pin the old backing array.
		kept := make([]domain.Message, t.maxHistory)
		copy(kept, e.messages[n-t.maxHistory:])
		e.messages = kept
	}
	e.version++
}

// Messages returns a copy of key's conversation, or nil if the key is absent.
func (t *Table) Messages(key string) []domain.Message {
	e := t.lookup(key)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	return copyMessages(e.messages)
}

// Clear empties key's conversation. It reports whether the key existed.
func (t *Table) Clear(key string) bool {
	e := t.lookup(key)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	e.messages = nil
	e.version++
	return true
}

// EvictIf removes key from the table when stale reports true for its
// current messages. The check and the removal happen under the key's lock.
func (t *Table) EvictIf(key string, stale func([]domain.Message) bool) bool {
	e := t.lookup(key)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	if !stale(e.messages) {
		return false
	}
	e.deleted = true
	if t.entries.CompareAndDelete(key, e) {
		t.size.Add(-1)
	}
	return true
}

// Keys returns a point-in-time snapshot of the keys in the table, sorted.
func (t *Table) Keys() []string {
	keys := make([]string, 0, t.Len())
	t.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys in the table.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// snapshot is a conversation copied out of the table for persistence.
type snapshot struct {
	key      string
	messages []domain.Message
	version  uint64
	entry    *entry
}

// dirty copies every conversation changed since its last successful save.
// Each entry is locked only while it is copied.
func (t *Table) dirty() []snapshot {
	var out []snapshot
	for _, key := range t.Keys() {
		e := t.lookup(key)
		if e == nil {
			continue
		}
		if e.version != e.saved {
			out = append(out, snapshot{key: key, messages: copyMessages(e.messages), version: e.version, entry: e})
		}
		e.mu.Unlock()
	}
	return out
}

// markSaved records that the snapshot reached the store. It reports false
// when the snapshot's entry was evicted in the meantime, in which case the
// stored row is stale.
func (t *Table) markSaved(snap snapshot) bool {
	e := snap.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	if snap.version > e.saved {
		e.saved = snap.version
	}
	return true
}

// markDirty forces the live entry for key, if any, to be written on the next
// flush. Used after the key's row was deleted from the store.
func (t *Table) markDirty(key string) {
	e := t.lookup(key)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	e.version++
}

// Restore inserts hydrated conversations for keys not already present and
// returns how many were inserted. Restored conversations start clean.
func (t *Table) Restore(conversations map[string][]domain.Message) int {
	restored := 0
	for key, msgs := range conversations {
		e := &entry{messages: copyMessages(msgs)}
		if _, loaded := t.entries.LoadOrStore(key, e); loaded {
			continue
		}
		t.size.Add(1)
		restored++
	}
	return restored
}

func copyMessages(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return nil
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}
