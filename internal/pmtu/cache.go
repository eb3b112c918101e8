// Package pmtu implements the Path MTU Discovery cache: a
// mutex-protected keyed map from destination (or the shared "default"
// key) to an MTU value, each entry guarded by a per-entry expiry timer
// that restores the default on timeout.
package pmtu

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// DefaultKey is the sentinel map key shared by the TUNNEL-mode single
// entry and by the HOST-mode fallback.
const DefaultKey = "default"

// MinMTU is the IPv6 minimum MTU; every stored entry (other than an
// unset sentinel) is clamped to at least this value.
const MinMTU = 1280

// Type selects how Set and Get key their lookups.
type Type uint8

const (
	// TypeNone disables the cache: Set is a no-op.
	TypeNone Type = iota
	// TypeTunnel shares a single PMTU across the whole tunnel, always
	// keyed by DefaultKey.
	TypeTunnel
	// TypeHost keys entries by destination address, falling back to
	// DefaultKey on miss.
	TypeHost
)

// String renders the configured PMTU mode for config/log output.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "NONE"
	case TypeTunnel:
		return "TUNNEL"
	case TypeHost:
		return "HOST"
	default:
		return "UNKNOWN"
	}
}

// entry is one cache slot. The timer is bound 1:1 to the entry:
// dropping an entry from the map always goes through a path that stops
// the timer first, so the two can never outlive each other.
type entry struct {
	mtu      int
	timer    *time.Timer
	deadline time.Time // zero when no timer is armed
}

// Snapshot is a read-only view of one cache entry for the "show pmtu"
// dump: destination key, MTU, and remaining timer seconds
// (-1 sentinel meaning "no timer").
type Snapshot struct {
	Key           string
	MTU           int
	RemainingSecs int
}

// Cache is the process-private PMTU cache, guarded by a plain
// sync.Mutex; timer callbacks never fire on a goroutine that already
// holds the lock.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	typ        Type
	expire     time.Duration
	defaultMTU int
	afterFunc  func(time.Duration, func()) *time.Timer

	// OnExpire, if set before the cache is first used, is invoked with
	// the expired key every time an entry's timer fires. Used by the
	// daemon to feed the expiration counter.
	OnExpire func(key string)
}

// New creates a Cache seeded with the DefaultKey entry, which exists
// from init until shutdown.
func New(typ Type, expire time.Duration, defaultMTU int) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		typ:        typ,
		expire:     expire,
		defaultMTU: defaultMTU,
		afterFunc:  time.AfterFunc,
	}
	c.entries[DefaultKey] = &entry{mtu: defaultMTU}
	return c
}

// keyFor resolves the cache key for dst under the configured Type
//: TUNNEL always uses DefaultKey; HOST uses dst's text form.
func (c *Cache) keyFor(dst netip.Addr) string {
	if c.typ == TypeHost {
		return dst.String()
	}
	return DefaultKey
}

// Set records a new path MTU observation for dst. A
// no-op when the cache type is NONE. PMTU-D monotonicity: an existing
// entry's MTU only ever decreases; a non-decreasing observation is
// ignored but still resets nothing.
func (c *Cache) Set(dst netip.Addr, observed int) {
	if c.typ == TypeNone {
		return
	}

	p := observed
	if p < MinMTU {
		p = MinMTU
	}

	key := c.keyFor(dst)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{mtu: p}
		c.entries[key] = e
		c.armLocked(key, e)
		return
	}

	if p < e.mtu {
		e.mtu = p
		c.armLocked(key, e)
	}
}

// armLocked (re)starts key's expiry timer. Caller must hold c.mu.
func (c *Cache) armLocked(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.deadline = time.Now().Add(c.expire)
	e.timer = c.afterFunc(c.expire, func() { c.expireKey(key) })
}

// expireKey is the timer callback: for a non-default key the
// entry is removed outright; for DefaultKey the MTU resets to the
// configured default and the timer handle is cleared, but the entry
// itself persists (invariant 6: default key exists at all times).
func (c *Cache) expireKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == DefaultKey {
		if e, ok := c.entries[DefaultKey]; ok {
			e.mtu = c.defaultMTU
			e.timer = nil
			e.deadline = time.Time{}
		}
	} else {
		delete(c.entries, key)
	}

	if c.OnExpire != nil {
		c.OnExpire(key)
	}
}

// Get returns the effective MTU for dst: HOST
// mode looks up dst directly and falls back to DefaultKey on miss;
// TUNNEL and NONE always resolve to DefaultKey. The result is clamped to
// MinMTU when positive.
func (c *Cache) Get(dst netip.Addr) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mtu int
	if c.typ == TypeHost {
		if e, ok := c.entries[dst.String()]; ok {
			mtu = e.mtu
		} else if e, ok := c.entries[DefaultKey]; ok {
			mtu = e.mtu
		}
	} else if e, ok := c.entries[DefaultKey]; ok {
		mtu = e.mtu
	}

	if mtu > MinMTU {
		return mtu
	}
	if mtu > 0 {
		return MinMTU
	}
	return 0
}

// Snapshot returns every cache entry for the "show pmtu" dump,
// with RemainingSecs computed from each entry's timer (-1 when none).
func (c *Cache) Snapshot() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.entries))
	for key, e := range c.entries {
		remaining := -1
		if e.timer != nil {
			if left := time.Until(e.deadline); left > 0 {
				remaining = int(left / time.Second)
			} else {
				remaining = 0
			}
		}
		out = append(out, Snapshot{Key: key, MTU: e.mtu, RemainingSecs: remaining})
	}
	return out
}

// Restart atomically ends the timer subsystem, destroys and recreates
// the map (re-seeded with the default entry), and updates the
// configured Type and expiry. The mutex is held
// across the whole reconstruction so no reader observes a half-torn-down
// cache.
func (c *Cache) Restart(typ Type, expire time.Duration, defaultMTU int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}

	c.entries = make(map[string]*entry)
	c.entries[DefaultKey] = &entry{mtu: defaultMTU}
	c.typ = typ
	c.expire = expire
	c.defaultMTU = defaultMTU
}

// Type reports the cache's currently configured mode.
func (c *Cache) Type() Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typ
}

// String is a convenience for log lines identifying a cache key.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s mtu=%d remaining=%ds", s.Key, s.MTU, s.RemainingSecs)
}
