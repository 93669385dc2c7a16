package hash

import (
	"github.com/cespare/xxhash/v2"
)

// Hasher defines the hashcode generator interface.
//
// Silo addresses and grain identities are hashed into the same space so that
// both can be placed on one consistent-hash ring.
type Hasher interface {
	// HashCode is responsible for generating unsigned, 64-bit hash of provided byte slice
	HashCode(key []byte) uint64
}

type xhasher struct{}

var _ Hasher = xhasher{}

// HashCode implementation
func (x xhasher) HashCode(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// DefaultHasher returns the default hasher
func DefaultHasher() Hasher {
	return &xhasher{}
}

// Ring32 folds a hash code into the 32-bit space used for ring placement.
func Ring32(code uint64) uint32 {
	return uint32(code>>32) ^ uint32(code)
}
