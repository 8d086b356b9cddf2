// Hardened child-key derivation off the wallet seed. store_builder.rs
// reaches for a full BIP32 crate (bitcoin::bip32::Xpriv) to derive a
// single hardened child at a fixed index; no BIP32 library appears
// anywhere in the example pack (see DESIGN.md), so this implements
// just the one BIP32 operation this repo needs directly against the
// published algorithm: HMAC-SHA512 master-key generation followed by
// one hardened CKD step. The HMACs are stdlib; the mod-curve-order
// scalar addition uses decred's secp256k1 ModNScalar, the ECC library
// already used for request signing.
package wiring

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// vssHardenedChildIndex is the fixed hardened derivation index the
// source reserves for the remote-store signing/encryption key,
// carried over unchanged from store_builder.rs's
// VSS_HARDENED_CHILD_INDEX.
const vssHardenedChildIndex uint32 = 877

const hardenedOffset = uint32(0x80000000)

var bip32MasterKeySalt = []byte("Bitcoin seed")

// DeriveVSSSeed derives the 32-byte secret this repo uses both as the
// envelope seed and as the ECDSA signing key, by producing the BIP32
// master key from the wallet seed and taking one hardened child step
// at vssHardenedChildIndex.
func DeriveVSSSeed(walletSeed []byte) ([32]byte, error) {
	masterKey, masterChainCode := hmacSHA512Split(bip32MasterKeySalt, walletSeed)

	childKey, _, err := hardenedCKD(masterKey, masterChainCode, vssHardenedChildIndex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("wiring: deriving hardened child: %w", err)
	}

	var out [32]byte
	copy(out[:], childKey)
	return out, nil
}

func hmacSHA512Split(key, data []byte) (left, right []byte) {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// hardenedCKD implements BIP32's CKDpriv for a hardened index: I =
// HMAC-SHA512(chainCode, 0x00 || parentKey || ser32(index)), Il is
// added to parentKey mod the curve order, Ir becomes the child chain
// code.
func hardenedCKD(parentKey, chainCode []byte, index uint32) (childKey, childChainCode []byte, err error) {
	hardenedIndex := index | hardenedOffset

	data := make([]byte, 0, 1+32+4)
	data = append(data, 0x00)
	data = append(data, parentKey...)
	data = append(data, byte(hardenedIndex>>24), byte(hardenedIndex>>16), byte(hardenedIndex>>8), byte(hardenedIndex))

	il, ir := hmacSHA512Split(chainCode, data)

	ilScalar := new(secp256k1.ModNScalar)
	if overflow := ilScalar.SetByteSlice(il); overflow {
		return nil, nil, fmt.Errorf("derived Il is out of range")
	}
	var parentScalar secp256k1.ModNScalar
	if overflow := parentScalar.SetByteSlice(parentKey); overflow {
		return nil, nil, fmt.Errorf("parent key is out of range")
	}

	childScalar := new(secp256k1.ModNScalar).Add2(ilScalar, &parentScalar)
	if childScalar.IsZero() {
		return nil, nil, fmt.Errorf("derived child key is zero")
	}

	childBytes := childScalar.Bytes()
	return childBytes[:], ir, nil
}
