// Package envelope derives the two sub-keys the mirroring store needs from
// a single wallet seed, and uses them to obfuscate key names and
// authenticated-encrypt values before they ever leave the device.
//
// Key derivation follows the three-step HMAC-SHA256 chain from
// original_source's derive_data_encryption_and_obfuscation_keys, carried
// over unchanged: prk = HMAC(seed, "pseudo_random_key"), k_enc =
// HMAC(prk, "data_encryption_key"), k_obf = HMAC(prk, k_enc ++
// "obfuscation_key").
package envelope

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a ciphertext or obfuscated key fails
// authentication or is malformed. Checking the embedded version against
// object metadata is left to the caller (vrs.Client.Get).
var ErrIntegrity = errors.New("envelope: integrity check failed")

const (
	saltPRK  = "pseudo_random_key"
	saltEnc  = "data_encryption_key"
	saltObfSuffix = "obfuscation_key"
)

// Envelope holds the two derived sub-keys for one wallet seed.
type Envelope struct {
	obfAEAD cipher.AEAD
	encAEAD cipher.AEAD
}

// New derives the envelope's sub-keys from a 32-byte seed.
func New(seed [32]byte) (*Envelope, error) {
	prk := hkdfStep(seed[:], saltPRK)
	encKey := hkdfStep(prk, saltEnc)

	var encKeyArr [32]byte
	copy(encKeyArr[:], encKey)

	obfSalt := append(append([]byte{}, encKey...), []byte(saltObfSuffix)...)
	obfKey := hkdfStep(prk, string(obfSalt))

	var obfKeyArr [32]byte
	copy(obfKeyArr[:], obfKey)

	encAEAD, err := chacha20poly1305.New(encKeyArr[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: building data-encryption cipher: %w", err)
	}
	obfAEAD, err := chacha20poly1305.New(obfKeyArr[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: building obfuscation cipher: %w", err)
	}

	return &Envelope{
		obfAEAD: obfAEAD,
		encAEAD: encAEAD,
	}, nil
}

func hkdfStep(ikm []byte, salt string) []byte {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write(ikm)
	return mac.Sum(nil)
}

// obfuscationNonce is fixed: k_obf is single-purpose (key names only,
// never reused to encrypt a value), so a constant nonce keeps the mapping
// deterministic as required by the one-to-one obfuscation contract.
var obfuscationNonce = make([]byte, chacha20poly1305.NonceSize)

// Obfuscate deterministically maps a logical key to an opaque hex string
// that hides the name but not its length: the sealed output is the key's
// length plus the 16-byte authentication tag.
func (e *Envelope) Obfuscate(logicalKey string) string {
	sealed := e.obfAEAD.Seal(nil, obfuscationNonce, []byte(logicalKey), nil)
	return hex.EncodeToString(sealed)
}

// Deobfuscate inverts Obfuscate. Returns ErrIntegrity if the input was not
// produced by this envelope's Obfuscate.
func (e *Envelope) Deobfuscate(obfuscatedKey string) (string, error) {
	sealed, err := hex.DecodeString(obfuscatedKey)
	if err != nil {
		return "", fmt.Errorf("%w: not valid hex: %v", ErrIntegrity, err)
	}
	plain, err := e.obfAEAD.Open(nil, obfuscationNonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return string(plain), nil
}

// Build authenticated-encrypts plaintext||version under the data
// encryption key, binding aad into the authentication tag, and returns a
// self-describing ciphertext (random nonce prefix + sealed payload).
func (e *Envelope) Build(plaintext []byte, version int64, aad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	inner := encodePayload(plaintext, version)
	sealed := e.encAEAD.Seal(nil, nonce, inner, aad)

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Deconstruct authenticates and decrypts a ciphertext produced by Build,
// recovering the plaintext and the embedded version. Returns ErrIntegrity
// on any authentication failure or malformed input.
func (e *Envelope) Deconstruct(ciphertext []byte, aad []byte) ([]byte, int64, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, 0, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	sealed := ciphertext[chacha20poly1305.NonceSize:]

	inner, err := e.encAEAD.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	plaintext, version, err := decodePayload(inner)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, version, nil
}

// encodePayload appends the 8-byte big-endian version after the
// plaintext, so Build's AEAD commits to both as one authenticated unit.
func encodePayload(plaintext []byte, version int64) []byte {
	out := make([]byte, len(plaintext)+8)
	copy(out, plaintext)
	putInt64(out[len(plaintext):], version)
	return out
}

func decodePayload(inner []byte) ([]byte, int64, error) {
	if len(inner) < 8 {
		return nil, 0, errors.New("payload shorter than embedded version")
	}
	plaintext := inner[:len(inner)-8]
	version := getInt64(inner[len(inner)-8:])
	return plaintext, version, nil
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}
