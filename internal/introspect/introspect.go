// Package introspect decomposes values into content-addressable atoms
// and groups and reconstructs them. One introspector exists per
// supported value shape — tabular, mapping, and a generic-object
// fallback — behind a uniform validate/decompose/reconstruct/digest
// contract. The variant set is closed: selection inspects the value's
// shape, never open-ended dispatch.
package introspect

import (
	"fmt"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
)

// Kind names an introspector variant. Stored on DatasetInfo so
// retrieval knows how to reconstruct.
type Kind string

const (
	KindTable   Kind = "table"
	KindMapping Kind = "mapping"
	KindObject  Kind = "object"
)

// Atom is the smallest unit of decomposed data: one key paired with
// one value. Composite values (nested lists/maps) are carried whole
// and serialize to their canonical bytes when stored.
type Atom struct {
	Key   string
	Value canon.Value
}

// ValueType returns the atom's stored type tag.
func (a Atom) ValueType() string { return a.Value.Kind().String() }

// Canonical returns the canonical bytes of the atom's value.
func (a Atom) Canonical() ([]byte, error) { return canon.Marshal(a.Value) }

// ID computes the atom's content-addressed identity.
func (a Atom) ID() (string, error) {
	c, err := a.Canonical()
	if err != nil {
		return "", fmt.Errorf("atom %q: %w", a.Key, err)
	}
	return digest.AtomID(a.Key, a.ValueType(), c), nil
}

// Group is one coherent record of atoms — a table row, or a mapping's
// pair set. Atom order within a group is the decomposition order;
// group identity is computed over the sorted atom IDs and is therefore
// order-independent.
type Group struct {
	Atoms []Atom
}

// ID computes the group's content-addressed identity.
func (g Group) ID() (string, error) {
	ids := make([]string, len(g.Atoms))
	for i, a := range g.Atoms {
		id, err := a.ID()
		if err != nil {
			return "", err
		}
		ids[i] = id
	}
	return digest.GroupID(ids), nil
}

// Introspector is the per-shape decomposition strategy.
//
// Decompose must be stable: decomposing the same logical value twice,
// even across process restarts, yields atoms and groups with
// identical hashes. Reconstruct is the exact inverse of Decompose.
// Digest is computed over the canonical serialization of the value,
// independent of in-memory representation.
type Introspector interface {
	Kind() Kind

	// Validate applies the ruleset and returns every violation found,
	// never a truncated prefix. The error return is reserved for
	// structurally malformed input, e.g. a rule naming a field the
	// value does not have.
	Validate(v canon.Value, rules Ruleset) ([]Violation, error)

	Decompose(v canon.Value) ([]Group, error)
	Reconstruct(groups []Group) (canon.Value, error)
	Digest(v canon.Value) (digest.Pair, error)
}

// For selects the introspector for a value's shape: a list of maps is
// tabular, a bare map is a mapping, anything else falls back to the
// generic-object strategy.
func For(v canon.Value) Introspector {
	switch val := v.(type) {
	case canon.List:
		if isTabular(val) {
			return TableIntrospector{}
		}
		return ObjectIntrospector{}
	case canon.Map:
		return MappingIntrospector{}
	default:
		return ObjectIntrospector{}
	}
}

// ForKind returns the introspector registered under the given kind
// tag. Used on retrieval, where the kind comes from DatasetInfo.
func ForKind(kind Kind) (Introspector, error) {
	switch kind {
	case KindTable:
		return TableIntrospector{}, nil
	case KindMapping:
		return MappingIntrospector{}, nil
	case KindObject:
		return ObjectIntrospector{}, nil
	default:
		return nil, fmt.Errorf("introspect: unknown kind %q", kind)
	}
}

func isTabular(l canon.List) bool {
	if len(l) == 0 {
		return false
	}
	for _, elem := range l {
		if _, ok := elem.(canon.Map); !ok {
			return false
		}
	}
	return true
}

// pairDigest computes the dataset digest pair for any value.
func pairDigest(v canon.Value) (digest.Pair, error) {
	c, err := canon.Marshal(v)
	if err != nil {
		return digest.Pair{}, fmt.Errorf("digest: %w", err)
	}
	return digest.DatasetPair(c), nil
}
