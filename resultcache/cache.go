// Package resultcache implements the Result Cache (C2): a per-session
// mapping from commandId to its terminal CommandResult, with bounded
// LRU retention.
package resultcache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the default number of entries retained per session
// (§4.2).
const DefaultCapacity = 1024

// Result is the immutable snapshot produced at a command's terminal
// state transition (§3 CommandResult). CommandID, Command, State and
// the three timestamps are bookkeeping beyond the wire-level
// CommandResult shape: once a result lands here, the queue drops its
// own copy of the command (§4.2's bounded-memory requirement), so this
// is the only place left that remembers what the command was and how
// it ended. QueuedAt is always set; for a command cancelled while still
// Queued, StartedAt and EndedAt are both the cancellation instant.
type Result struct {
	Success      bool
	Output       string
	ErrorMessage string
	Duration     time.Duration

	CommandID string
	Command   string
	State     string
	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Tombstone is the residue left behind once a Result itself is evicted
// by the LRU policy: just enough to tell a late Status query that this
// commandId is real and finished, rather than never having existed
// (§4.2, §7: "evicted entries produce a 'result expired' message, not
// a crash"). It deliberately drops Output/ErrorMessage, which can be
// arbitrarily large CDB output, since the whole point of evicting is
// to stop paying for that memory.
type Tombstone struct {
	Command string
	State   string
}

// Cache stores terminal CommandResults for one session. Every entry it
// holds is, by construction, already terminal — §4.2's "non-terminal
// entries are never evicted" rule is satisfied trivially because the
// cache is only ever written to from a terminal-state transition (see
// queue.Queue's publish); there is no code path that stores a placeholder
// for a Queued/Executing command here.
type Cache struct {
	lru     *lru.Cache[string, Result]
	expired *lru.Cache[string, Tombstone]
}

// New builds a Cache with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	expired, err := lru.New[string, Tombstone](capacity)
	if err != nil {
		// lru.New only errors on a non-positive size, which is excluded
		// above.
		panic(err)
	}
	c := &Cache{expired: expired}

	l, err := lru.NewWithEvict[string, Result](capacity, func(key string, value Result) {
		c.expired.Add(key, Tombstone{Command: value.Command, State: value.State})
	})
	if err != nil {
		panic(err)
	}
	c.lru = l
	return c
}

// Store records result under commandId. commandIds are unique for the
// lifetime of the process (§3), so this is effectively single-shot;
// calling it twice for the same id simply overwrites with the same
// value the second time in practice, but last-write-wins is the
// documented idempotence contract (§4.2).
func (c *Cache) Store(commandID string, result Result) {
	c.lru.Add(commandID, result)
	c.expired.Remove(commandID)
}

// Get returns the stored result for commandID, or false if absent
// (never stored, or evicted).
func (c *Cache) Get(commandID string) (Result, bool) {
	return c.lru.Get(commandID)
}

// Expired returns the Tombstone left behind for a commandID whose
// Result has since been evicted by the LRU policy. The second return
// value is false for any commandID this cache never stored, which
// distinguishes "never existed" from "result expired" for callers.
func (c *Cache) Expired(commandID string) (Tombstone, bool) {
	return c.expired.Peek(commandID)
}

// Len reports the current number of retained entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
