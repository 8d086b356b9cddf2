package vrs

import "context"

// KeyVersion is one obfuscated key and its currently-stored remote
// version, as returned by Backend.ListKeyVersions.
type KeyVersion struct {
	Key     string
	Version int64
}

// Backend is the wire contract a VRS client speaks to: the four RPCs
// from spec §6 (GetObject, PutObject, DeleteObject, ListKeyVersions).
// It deals in the raw obfuscated key and ciphertext the server actually
// stores; encryption and obfuscation happen one layer up in Client, so
// both the HTTP transport and the in-memory Fake can implement Backend
// identically.
type Backend interface {
	GetObject(ctx context.Context, storeID, obfuscatedKey string) (value []byte, version int64, found bool, err error)
	PutObject(ctx context.Context, storeID, obfuscatedKey string, value []byte, expectedVersion int64) error
	DeleteObject(ctx context.Context, storeID, obfuscatedKey string) error
	ListKeyVersions(ctx context.Context, storeID, pageToken string) (items []KeyVersion, nextPageToken string, err error)
}
