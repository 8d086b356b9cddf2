package vssserver

import (
	"context"
	"sort"
	"sync"

	"github.com/mrofi/vssmirror/src/vrs"
)

// fakeStore is an in-memory ObjectStore for handler tests, mirroring
// the shape of vrs.Fake one layer down the stack.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]fakeEntry
}

type fakeEntry struct {
	value   []byte
	version int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]fakeEntry)}
}

func (f *fakeStore) key(storeID, key string) string {
	return storeID + "/" + key
}

func (f *fakeStore) GetObject(ctx context.Context, storeID, key string) ([]byte, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[f.key(storeID, key)]
	if !ok {
		return nil, 0, false, nil
	}
	return entry.value, entry.version, true, nil
}

func (f *fakeStore) PutObject(ctx context.Context, storeID, key string, value []byte, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := f.key(storeID, key)
	entry, ok := f.data[full]
	if ok && entry.version != expectedVersion {
		return ErrConflict
	}
	if !ok && expectedVersion != 0 {
		return ErrConflict
	}
	f.data[full] = fakeEntry{value: value, version: expectedVersion + 1}
	return nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, storeID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, f.key(storeID, key))
	return nil
}

func (f *fakeStore) ListKeyVersions(ctx context.Context, storeID, pageToken string) ([]vrs.KeyVersion, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := storeID + "/"
	items := make([]vrs.KeyVersion, 0)
	for full, entry := range f.data {
		if len(full) > len(prefix) && full[:len(prefix)] == prefix {
			items = append(items, vrs.KeyVersion{Key: full[len(prefix):], Version: entry.version})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, "", nil
}
