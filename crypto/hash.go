package crypto

// hash.go supplies the hashing primitives used to build and verify Merkle
// trees over chunked data. The algorithm is fixed at SHA-256 (hash_algo = 1
// in the tree footer, see package merkletree); unlike Sia's own hash.go,
// which can swap in blake2b because Sia controls both ends of the wire, the
// algorithm here is pinned because it must match a reference tree produced
// out-of-band by a remote party.

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
)

const (
	HashSize = sha256.Size
)

type (
	Hash [HashSize]byte

	// HashSlice is used for sorting.
	HashSlice []Hash
)

// ZeroHash is the hash assigned to phantom leaves (tree positions beyond
// total_chunks that exist only to complete the binary tree shape).
var ZeroHash Hash

var (
	ErrHashWrongLen = errors.New("encoded value has the wrong length to be a hash")
)

// NewHash returns a new SHA-256 hasher.
func NewHash() hash.Hash {
	return sha256.New()
}

// HashBytes hashes data with SHA-256.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// JoinHash hashes the concatenation of two child hashes to produce their
// parent's hash, left before right.
func JoinHash(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return HashBytes(buf[:])
}

// IsZero reports whether h is the phantom-leaf zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// These methods implement sort.Interface, allowing hashes to be sorted.
func (hs HashSlice) Len() int           { return len(hs) }
func (hs HashSlice) Less(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 }
func (hs HashSlice) Swap(i, j int)      { hs[i], hs[j] = hs[j], hs[i] }

// MarshalJSON marshals a hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// String prints the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// LoadString loads a hash from its hex string representation.
func (h *Hash) LoadString(s string) error {
	if len(s) != HashSize*2 {
		return ErrHashWrongLen
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// UnmarshalJSON decodes the json hex string of the hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	// *2 because there are 2 hex characters per byte.
	// +2 because the encoded JSON string has a `"` added at the beginning and end.
	if len(b) != HashSize*2+2 {
		return ErrHashWrongLen
	}

	// b[1 : len(b)-1] cuts off the leading and trailing `"` in the JSON string.
	hBytes, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return errors.New("could not unmarshal crypto.Hash: " + err.Error())
	}
	copy(h[:], hBytes)
	return nil
}
