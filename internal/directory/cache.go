package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache is a read-through snapshot of the directory, refreshed on a timer.
//
// The broker deployment keeps every receiver connected for hours; hitting the
// database on each lookup would put the directory on the alert path for no
// benefit, so the broker serves lookups from the last good snapshot. The
// request/response relay does not use it: there, every alert reads fresh.
type Cache struct {
	store    Store
	interval time.Duration

	mu        sync.RWMutex
	rooms     map[string]string
	users     map[string]string
	receivers []Receiver
	loaded    bool
}

// NewCache creates a cache over store, refreshed every interval by Run.
func NewCache(store Store, interval time.Duration) *Cache {
	return &Cache{
		store:    store,
		interval: interval,
		rooms:    make(map[string]string),
		users:    make(map[string]string),
	}
}

// Refresh replaces the snapshot with the directory's current contents.
// On error the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	receivers, err := c.store.ListReceiverAddresses(ctx)
	if err != nil {
		return err
	}

	rooms, users, err := c.loadMappings(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.rooms = rooms
	c.users = users
	c.receivers = receivers
	c.loaded = true
	c.mu.Unlock()

	slog.Info("Directory cache refreshed",
		"rooms", len(rooms),
		"users", len(users),
		"receivers", len(receivers),
	)
	return nil
}

// loadMappings pulls the full room and user tables through the underlying
// store. The bulk loader is only implemented for the Postgres store; other
// Store implementations fall back to per-key lookups at read time.
func (c *Cache) loadMappings(ctx context.Context) (map[string]string, map[string]string, error) {
	type bulkLoader interface {
		loadRooms(ctx context.Context) (map[string]string, error)
		loadUsers(ctx context.Context) (map[string]string, error)
	}

	loader, ok := c.store.(bulkLoader)
	if !ok {
		return map[string]string{}, map[string]string{}, nil
	}

	rooms, err := loader.loadRooms(ctx)
	if err != nil {
		return nil, nil, err
	}
	users, err := loader.loadUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rooms, users, nil
}

// Run refreshes the cache periodically until ctx is canceled. The initial
// refresh happens immediately so the broker starts with a populated snapshot.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		slog.Error("Initial directory cache refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Error("Directory cache refresh failed", "error", err)
			}
		}
	}
}

// LookupRoom resolves a hostname from the snapshot, falling back to the
// underlying store when the snapshot has never loaded or lacks the entry.
func (c *Cache) LookupRoom(ctx context.Context, hostname string) (string, bool, error) {
	c.mu.RLock()
	room, ok := c.rooms[hostname]
	loaded := c.loaded
	c.mu.RUnlock()

	if ok {
		return room, true, nil
	}
	if loaded {
		return "", false, nil
	}
	return c.store.LookupRoom(ctx, hostname)
}

// LookupDisplayName resolves a username from the snapshot, with the same
// fallback behavior as LookupRoom.
func (c *Cache) LookupDisplayName(ctx context.Context, username string) (string, bool, error) {
	c.mu.RLock()
	name, ok := c.users[username]
	loaded := c.loaded
	c.mu.RUnlock()

	if ok {
		return name, true, nil
	}
	if loaded {
		return "", false, nil
	}
	return c.store.LookupDisplayName(ctx, username)
}

// ListReceiverAddresses returns the snapshot's receiver list.
func (c *Cache) ListReceiverAddresses(ctx context.Context) ([]Receiver, error) {
	c.mu.RLock()
	loaded := c.loaded
	receivers := make([]Receiver, len(c.receivers))
	copy(receivers, c.receivers)
	c.mu.RUnlock()

	if !loaded {
		return c.store.ListReceiverAddresses(ctx)
	}
	return receivers, nil
}

var _ Store = (*Cache)(nil)
