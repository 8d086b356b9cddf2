package vrs

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Backend for exercising Client and the mirroring
// layer without a real VSS server, grounded on
// mirroring_store.rs's MockVersionedStore: a guarded map plus two
// injectable failure switches for put and delete.
type Fake struct {
	mu            sync.Mutex
	data          map[string]fakeEntry
	ShouldFailPut bool
	ShouldFailDelete bool
}

type fakeEntry struct {
	value   []byte
	version int64
}

// NewFake returns an empty Fake backend.
func NewFake() *Fake {
	return &Fake{data: make(map[string]fakeEntry)}
}

func (f *Fake) fakeKey(storeID, key string) string {
	return storeID + "/" + key
}

func (f *Fake) GetObject(ctx context.Context, storeID, obfuscatedKey string) ([]byte, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.data[f.fakeKey(storeID, obfuscatedKey)]
	if !ok {
		return nil, 0, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, entry.version, true, nil
}

func (f *Fake) PutObject(ctx context.Context, storeID, obfuscatedKey string, value []byte, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ShouldFailPut {
		return ErrInternal
	}

	key := f.fakeKey(storeID, obfuscatedKey)
	entry, exists := f.data[key]
	currentVersion := int64(0)
	if exists {
		currentVersion = entry.version
	}
	if currentVersion != expectedVersion {
		return ErrConflict
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	f.data[key] = fakeEntry{value: stored, version: expectedVersion + 1}
	return nil
}

func (f *Fake) DeleteObject(ctx context.Context, storeID, obfuscatedKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ShouldFailDelete {
		return ErrInternal
	}
	delete(f.data, f.fakeKey(storeID, obfuscatedKey))
	return nil
}

func (f *Fake) ListKeyVersions(ctx context.Context, storeID, pageToken string) ([]KeyVersion, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := storeID + "/"
	var items []KeyVersion
	for k, entry := range f.data {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		items = append(items, KeyVersion{Key: k[len(prefix):], Version: entry.version})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	// The fake never paginates: every test fixture fits in one page, so
	// pageToken is accepted but ignored and nextPageToken is always empty.
	return items, "", nil
}
