package directory

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore implements Store plus the bulk loaders the cache refreshes from.
type fakeStore struct {
	rooms     map[string]string
	users     map[string]string
	receivers []Receiver
	err       error

	lookups int
}

func (f *fakeStore) LookupRoom(ctx context.Context, hostname string) (string, bool, error) {
	f.lookups++
	if f.err != nil {
		return "", false, f.err
	}
	room, ok := f.rooms[hostname]
	return room, ok, nil
}

func (f *fakeStore) LookupDisplayName(ctx context.Context, username string) (string, bool, error) {
	f.lookups++
	if f.err != nil {
		return "", false, f.err
	}
	name, ok := f.users[username]
	return name, ok, nil
}

func (f *fakeStore) ListReceiverAddresses(ctx context.Context) ([]Receiver, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receivers, nil
}

func (f *fakeStore) loadRooms(ctx context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rooms, nil
}

func (f *fakeStore) loadUsers(ctx context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users, nil
}

func TestCache_ServesFromSnapshot(t *testing.T) {
	store := &fakeStore{
		rooms:     map[string]string{"PC-101": "Sala 12"},
		users:     map[string]string{"jsmith": "John Smith"},
		receivers: []Receiver{{Addr: "10.0.0.5", Name: "Portaria"}},
	}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	room, found, err := cache.LookupRoom(ctx, "PC-101")
	if err != nil || !found || room != "Sala 12" {
		t.Errorf("LookupRoom() = (%q, %v, %v), want (Sala 12, true, nil)", room, found, err)
	}

	// A loaded snapshot answers misses without touching the store.
	_, found, err = cache.LookupRoom(ctx, "PC-999")
	if err != nil || found {
		t.Errorf("LookupRoom() miss = (found %v, err %v), want (false, nil)", found, err)
	}
	if store.lookups != 0 {
		t.Errorf("store lookups = %d, want 0 after refresh", store.lookups)
	}

	receivers, err := cache.ListReceiverAddresses(ctx)
	if err != nil || len(receivers) != 1 || receivers[0].Addr != "10.0.0.5" {
		t.Errorf("ListReceiverAddresses() = (%v, %v)", receivers, err)
	}
}

func TestCache_FallsThroughBeforeFirstRefresh(t *testing.T) {
	store := &fakeStore{
		rooms: map[string]string{"PC-101": "Sala 12"},
		users: map[string]string{},
	}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	room, found, err := cache.LookupRoom(ctx, "PC-101")
	if err != nil || !found || room != "Sala 12" {
		t.Errorf("LookupRoom() = (%q, %v, %v), want fall-through hit", room, found, err)
	}
	if store.lookups == 0 {
		t.Error("expected cache to fall through to the store before first refresh")
	}
}

func TestCache_KeepsSnapshotOnRefreshError(t *testing.T) {
	store := &fakeStore{
		rooms:     map[string]string{"PC-101": "Sala 12"},
		users:     map[string]string{},
		receivers: []Receiver{{Addr: "10.0.0.5"}},
	}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	store.err = errors.New("directory down")
	if err := cache.Refresh(ctx); err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}

	room, found, err := cache.LookupRoom(ctx, "PC-101")
	if err != nil || !found || room != "Sala 12" {
		t.Errorf("LookupRoom() after failed refresh = (%q, %v, %v), want previous snapshot", room, found, err)
	}
}
