package cbtopology

import (
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// KeyHasher maps a document key onto the value a vbucket id is derived from.
type KeyHasher interface {
	HashKey(key []byte) uint32
}

// CRC32Hasher is the vbucket hash used by Couchbase buckets.
type CRC32Hasher struct{}

func (CRC32Hasher) HashKey(key []byte) uint32 {
	return (crc32.ChecksumIEEE(key) >> 16) & 0x7fff
}

// XXHasher folds a 64 bit xxhash of the key into 32 bits.
type XXHasher struct{}

func (XXHasher) HashKey(key []byte) uint32 {
	sum := xxhash.Sum64(key)
	return uint32(sum>>32) ^ uint32(sum)
}

// HasherForAlgorithm returns the hasher named by a config's hashAlgorithm.
// An empty name selects CRC.
func HasherForAlgorithm(name string) (KeyHasher, error) {
	switch strings.ToUpper(name) {
	case "", "CRC":
		return CRC32Hasher{}, nil
	case "XXHASH":
		return XXHasher{}, nil
	}
	return nil, errors.Errorf("unsupported hash algorithm %q", name)
}

// VbucketForKey returns hash(key) mod numVbuckets.
func VbucketForKey(hasher KeyHasher, key []byte, numVbuckets int) uint16 {
	if numVbuckets <= 0 {
		return 0
	}
	return uint16(hasher.HashKey(key) % uint32(numVbuckets))
}
