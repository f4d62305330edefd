// Package digest computes the content-addressed identities used
// throughout dsdb: atom hashes, group hashes, and whole-dataset
// digest pairs. Every hash is domain-separated so a value can never
// collide with a group of values or a dataset of groups.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content-addressed identity. The version suffix
// allows a future algorithm migration without invalidating the old
// namespace.
const (
	DomainAtom      = "dsdb/atom/v1"
	DomainGroup     = "dsdb/group/v1"
	DomainDataset   = "dsdb/dataset/v1"
	DomainAlgorithm = "dsdb/algorithm/v1"
)

// Pair is the two-digest verification envelope of a dataset: a fast
// BLAKE3 digest for cheap comparisons and a strong SHA-256 digest as
// the integrity anchor. Both are hex-encoded.
type Pair struct {
	Fast   string
	Strong string
}

// Zero reports whether the pair has not been computed.
func (p Pair) Zero() bool { return p.Fast == "" && p.Strong == "" }

// AtomID computes the content-addressed identity of one atom from its
// key, value-type tag, and canonical value bytes. Each field is
// length-framed so no combination of fields is ambiguous.
func AtomID(key, valueType string, canonical []byte) string {
	h := sha256.New()
	writeDomain(h, DomainAtom)
	writeFramed(h, []byte(key))
	writeFramed(h, []byte(valueType))
	writeFramed(h, canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// GroupID computes a group's identity from its member atom IDs. The
// IDs are sorted before hashing, so group identity is independent of
// member insertion order.
func GroupID(atomIDs []string) string {
	sorted := slices.Clone(atomIDs)
	slices.Sort(sorted)

	h := sha256.New()
	writeDomain(h, DomainGroup)
	for _, id := range sorted {
		writeFramed(h, []byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DatasetPair computes the fast and strong digests of a dataset from
// the canonical bytes of its decomposed value.
func DatasetPair(canonical []byte) Pair {
	strong := sha256.New()
	writeDomain(strong, DomainDataset)
	strong.Write(canonical)

	fast := blake3.New()
	writeDomain(fast, DomainDataset)
	fast.Write(canonical)

	return Pair{
		Fast:   hex.EncodeToString(fast.Sum(nil)),
		Strong: hex.EncodeToString(strong.Sum(nil)),
	}
}

// AlgorithmVersion derives a deterministic algorithm version from its
// source state. Truncated to 12 hex characters: the version is a
// uniqueness component, not an integrity anchor.
func AlgorithmVersion(source string) string {
	h := sha256.New()
	writeDomain(h, DomainAlgorithm)
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// writeDomain writes the domain prefix and a null separator. The null
// byte prevents domain/payload boundary ambiguity.
func writeDomain(h hash.Hash, domain string) {
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
}

func writeFramed(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}
