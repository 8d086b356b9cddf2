// Client implements the VRS contract (spec §4.C): Get, Put, Delete, List
// over a Backend, with every value passing through an envelope.Envelope
// for obfuscation and authenticated encryption, and every round trip
// guarded by a retry.Policy. Grounded on vss_store.rs's VssStore,
// specifically construct_storable/deconstruct_storable for the
// version+1 embedding and the post-decrypt (version, key) verification.
package vrs

import (
	"context"
	"fmt"

	"github.com/mrofi/vssmirror/src/envelope"
	"github.com/mrofi/vssmirror/src/retry"
)

// Client is the versioned remote store as seen by the mirroring layer:
// logical keys and plaintext values in, obfuscated/encrypted wire
// traffic out.
type Client struct {
	storeID  string
	backend  Backend
	envelope *envelope.Envelope
	policy   *retry.Policy
}

// New builds a Client bound to one store ID, backend, and envelope. A
// retry.Policy tuned for the §7 error taxonomy is used if policy is nil.
func New(storeID string, backend Backend, env *envelope.Envelope, policy *retry.Policy) *Client {
	if policy == nil {
		policy = retry.New(retry.WithClassifier(retry.DefaultClassifier(ErrNotFound, ErrConflict, ErrIntegrity)))
	}
	return &Client{storeID: storeID, backend: backend, envelope: env, policy: policy}
}

// Get fetches and decrypts the value stored under key, along with its
// remote version. Returns ErrNotFound if the key does not exist.
//
// The embedded version recovered from the ciphertext must equal the
// object's current stored version (construct_storable always embeds
// expectedVersion+1 at write time, which becomes the object's new
// version): either mismatch is treated as tampering, not a transient
// failure.
func (c *Client) Get(ctx context.Context, key string) ([]byte, int64, error) {
	obfKey := c.envelope.Obfuscate(key)

	var value []byte
	var version int64
	var found bool
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		v, ver, f, err := c.backend.GetObject(ctx, c.storeID, obfKey)
		if err != nil {
			return err
		}
		value, version, found = v, ver, f
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, ErrNotFound
	}

	aad := []byte(obfKey)
	plaintext, embeddedVersion, err := c.envelope.Deconstruct(value, aad)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if embeddedVersion != version {
		return nil, 0, fmt.Errorf("%w: embedded version %d does not match stored version %d", ErrIntegrity, embeddedVersion, version)
	}

	return plaintext, version, nil
}

// Put encrypts value under key, embedding expectedVersion+1, and writes
// it conditioned on the remote's current version matching
// expectedVersion. A caller creating a brand-new key passes
// expectedVersion 0. Returns ErrConflict if the remote version has
// moved.
func (c *Client) Put(ctx context.Context, key string, value []byte, expectedVersion int64) error {
	obfKey := c.envelope.Obfuscate(key)
	aad := []byte(obfKey)

	ciphertext, err := c.envelope.Build(value, expectedVersion+1, aad)
	if err != nil {
		return fmt.Errorf("vrs: sealing value: %w", err)
	}

	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.backend.PutObject(ctx, c.storeID, obfKey, ciphertext, expectedVersion)
	})
}

// Delete removes key from the remote store. Deletion is unconditional
// at the wire level and carries no expected version; the mirroring
// store keeps a pending delete as a local tombstone until it succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	obfKey := c.envelope.Obfuscate(key)
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.backend.DeleteObject(ctx, c.storeID, obfKey)
	})
}

// ListItem is one deobfuscated key and its remote version, as returned
// by List.
type ListItem struct {
	Key     string
	Version int64
}

// List enumerates every key currently stored remotely, paging through
// ListKeyVersions until the backend reports no further page token, and
// deobfuscating each key name. A key whose obfuscated form cannot be
// deobfuscated under this envelope (foreign or corrupted) is skipped
// rather than failing the whole list, since it cannot belong to this
// wallet's keyspace.
func (c *Client) List(ctx context.Context) ([]ListItem, error) {
	var out []ListItem
	pageToken := ""
	for {
		var items []KeyVersion
		var nextToken string
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			i, n, err := c.backend.ListKeyVersions(ctx, c.storeID, pageToken)
			if err != nil {
				return err
			}
			items, nextToken = i, n
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			key, err := c.envelope.Deobfuscate(item.Key)
			if err != nil {
				continue
			}
			out = append(out, ListItem{Key: key, Version: item.Version})
		}

		if nextToken == "" {
			break
		}
		pageToken = nextToken
	}
	return out, nil
}
