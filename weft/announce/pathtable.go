package announce

import (
	"time"

	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/identity"
)

// Entry is the best-known path to one destination.
type Entry struct {
	Interface   iface.Interface
	NextHop     identity.Hash // transport id of the relaying node
	Hops        uint8
	LastUpdated time.Time
	ExpiresAt   time.Time
	Raw         []byte // announce payload, relayed verbatim on rebroadcast
}

// Table maps destination hashes to their best-known next hop. At most
// one entry is kept per destination: fewer hops wins, equal hops
// refreshes. Entries expire after the configured silence window.
//
// The table carries no internal locking. It is owned by the transport
// event loop and must only be touched from there.
type Table struct {
	expiry  time.Duration
	max     int
	entries map[identity.Hash]*Entry
}

// NewTable creates a path table. expiry is the silence window after
// which a path is evicted; max bounds the table size, evicting the
// entry closest to expiry when full.
func NewTable(expiry time.Duration, max int) *Table {
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	if max <= 0 {
		max = 2048
	}
	return &Table{
		expiry:  expiry,
		max:     max,
		entries: make(map[identity.Hash]*Entry),
	}
}

// Consider offers a received announce to the table. It returns true if
// the path was inserted or replaced, meaning the announce improved on
// (or refreshed) what was known and is a candidate for rebroadcast.
func (t *Table) Consider(destination identity.Hash, hops uint8, via iface.Interface, nextHop identity.Hash, raw []byte, now time.Time) bool {
	existing, ok := t.entries[destination]
	if ok && hops > existing.Hops {
		return false
	}
	if !ok && len(t.entries) >= t.max {
		t.evictSoonest()
	}
	t.entries[destination] = &Entry{
		Interface:   via,
		NextHop:     nextHop,
		Hops:        hops,
		LastUpdated: now,
		ExpiresAt:   now.Add(t.expiry),
		Raw:         raw,
	}
	return true
}

// Lookup returns the current path for a destination, or nil when no
// live path is known. An entry past its expiry counts as absent even
// before the next sweep removes it.
func (t *Table) Lookup(destination identity.Hash, now time.Time) *Entry {
	e, ok := t.entries[destination]
	if !ok {
		return nil
	}
	if now.After(e.ExpiresAt) {
		delete(t.entries, destination)
		return nil
	}
	return e
}

// Sweep evicts entries not refreshed within the silence window and
// returns how many were removed.
func (t *Table) Sweep(now time.Time) int {
	removed := 0
	for dest, e := range t.entries {
		if now.After(e.ExpiresAt) {
			delete(t.entries, dest)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (t *Table) Len() int { return len(t.entries) }

func (t *Table) evictSoonest() {
	var victim identity.Hash
	var soonest time.Time
	first := true
	for dest, e := range t.entries {
		if first || e.ExpiresAt.Before(soonest) {
			victim, soonest, first = dest, e.ExpiresAt, false
		}
	}
	if !first {
		delete(t.entries, victim)
	}
}
