// Package hasher provides the content hashes compared by change detection.
package hasher

import (
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher turns extracted page content into a comparable string.
// Two inputs hash to the same string only if they are byte-identical
// (modulo collisions of the underlying function).
type Hasher interface {
	Hash(b []byte) string
}

// SHA256 hashes with crypto/sha256 and returns the lowercase hex digest.
type SHA256 struct{}

func (SHA256) Hash(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

// XXHash hashes with xxhash64 and returns the hex digest.
type XXHash struct{}

func (XXHash) Hash(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// New returns the hasher with the given name.
// An empty name selects SHA256.
func New(name string) (Hasher, error) {
	switch name {
	case "", "sha256":
		return SHA256{}, nil
	case "xxhash":
		return XXHash{}, nil
	}
	return nil, fmt.Errorf("unknown hasher: %s", name)
}
