// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package syncer

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/storefeed/storefeed/catalog"
)

// NotifyFunc is called with the entity id and the new snapshot after
// every actual cache change. A nil snapshot reports a removal. The
// callback runs outside the cache lock, so it may call back into the
// cache.
type NotifyFunc func(id catalog.EntityId, info catalog.EntityInfo)

// CacheConfig holds the dependencies of a Cache.
type CacheConfig struct {
	Clock  clock.Clock
	Logger Logger

	// Notify, when set, is called after every actual change.
	Notify NotifyFunc
}

// Validate returns an error if the config cannot be used.
func (config CacheConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Cache is the agent-side table of catalog entities, fed by pushed
// deltas and reconciliation polls through the same apply path. An
// incoming snapshot is applied only when its revision is strictly
// newer than the cached one, or nothing is cached, which makes
// application commutative and idempotent regardless of delivery path
// or order. A removal wins over everything received before it;
// whatever arrives afterwards starts fresh.
type Cache struct {
	config CacheConfig

	mu      sync.Mutex
	entries map[catalog.EntityId]cacheEntry
}

type cacheEntry struct {
	info catalog.EntityInfo

	// receivedAt orders the entry against reconciliation polls:
	// pruning only removes entries received before the poll began.
	receivedAt time.Time
}

// NewCache returns an empty cache.
func NewCache(config CacheConfig) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new cache invalid config")
	}
	return &Cache{
		config:  config,
		entries: make(map[catalog.EntityId]cacheEntry),
	}, nil
}

// ApplyDelta merges one delta into the cache and reports whether the
// cache changed. Stale and duplicate snapshots are no-ops.
func (c *Cache) ApplyDelta(delta catalog.Delta) bool {
	if delta.Entity == nil {
		c.config.Logger.Debugf("dropping delta with no entity")
		return false
	}
	id := delta.Entity.EntityId()
	c.mu.Lock()
	if delta.Removed {
		_, found := c.entries[id]
		delete(c.entries, id)
		c.mu.Unlock()
		if !found {
			return false
		}
		c.config.Logger.Tracef("removed %s %q", id.Kind, id.Id)
		c.notify(id, nil)
		return true
	}
	if cached, found := c.entries[id]; found && cached.info.Revision() >= delta.Entity.Revision() {
		c.mu.Unlock()
		c.config.Logger.Tracef("ignoring stale %s %q revision %d", id.Kind, id.Id, delta.Entity.Revision())
		return false
	}
	c.entries[id] = cacheEntry{
		info:       delta.Entity,
		receivedAt: c.config.Clock.Now(),
	}
	c.mu.Unlock()
	c.config.Logger.Tracef("cached %s %q revision %d", id.Kind, id.Id, delta.Entity.Revision())
	c.notify(id, copyInfo(delta.Entity))
	return true
}

// ApplyDeltas applies a batch, returning how many changed the cache.
func (c *Cache) ApplyDeltas(deltas []catalog.Delta) int {
	changed := 0
	for _, delta := range deltas {
		if c.ApplyDelta(delta) {
			changed++
		}
	}
	return changed
}

// GetCached returns a copy of the cached snapshot for the given
// entity, if any. It never triggers network activity.
func (c *Cache) GetCached(id catalog.EntityId) (catalog.EntityInfo, bool) {
	c.mu.Lock()
	entry, found := c.entries[id]
	c.mu.Unlock()
	if !found {
		return nil, false
	}
	return copyInfo(entry.info), true
}

// PruneMissing removes entries of the given kind that a full snapshot
// no longer contains, returning how many went. Entries received after
// the poll began are kept: a pushed update applied mid-poll is newer
// than the snapshot that missed it.
func (c *Cache) PruneMissing(kind string, seen set.Strings, began time.Time) int {
	c.mu.Lock()
	var removed []catalog.EntityId
	for id, entry := range c.entries {
		if id.Kind != kind || seen.Contains(id.Id) {
			continue
		}
		if !entry.receivedAt.Before(began) {
			continue
		}
		delete(c.entries, id)
		removed = append(removed, id)
	}
	c.mu.Unlock()
	for _, id := range removed {
		c.config.Logger.Tracef("pruned %s %q", id.Kind, id.Id)
		c.notify(id, nil)
	}
	return len(removed)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) notify(id catalog.EntityId, info catalog.EntityInfo) {
	if c.config.Notify == nil {
		return
	}
	c.config.Notify(id, info)
}

// copyInfo returns a private copy of the snapshot, so cached state
// can never be mutated through a handed-out reference.
func copyInfo(info catalog.EntityInfo) catalog.EntityInfo {
	switch e := info.(type) {
	case *catalog.Product:
		return e.Copy()
	case *catalog.Ticket:
		return e.Copy()
	}
	return info
}
