package introspect

import (
	"fmt"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
)

// blobKey is the atom key under which a non-decomposable value is
// stored whole.
const blobKey = "$blob"

// ObjectIntrospector is the fallback for values with no tabular or
// mapping shape: the whole value is stored as a single opaque blob
// atom holding its canonical bytes. Dedup still applies at the
// whole-value level — two identical objects share one atom.
type ObjectIntrospector struct{}

func (ObjectIntrospector) Kind() Kind { return KindObject }

// Validate accepts any value; field rules cannot apply to an opaque
// blob, so a non-empty ruleset is malformed input.
func (ObjectIntrospector) Validate(v canon.Value, rules Ruleset) ([]Violation, error) {
	if !rules.Empty() {
		return nil, fmt.Errorf("object introspector: field rules cannot apply to a non-decomposable %s value", v.Kind())
	}
	return nil, nil
}

func (ObjectIntrospector) Decompose(v canon.Value) ([]Group, error) {
	c, err := canon.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("object introspector: %w", err)
	}
	return []Group{{Atoms: []Atom{{Key: blobKey, Value: canon.Bytes(c)}}}}, nil
}

func (ObjectIntrospector) Reconstruct(groups []Group) (canon.Value, error) {
	if len(groups) != 1 || len(groups[0].Atoms) != 1 {
		return nil, fmt.Errorf("object introspector: expected 1 group with 1 atom, got %d group(s)", len(groups))
	}
	a := groups[0].Atoms[0]
	if a.Key != blobKey {
		return nil, fmt.Errorf("object introspector: unexpected atom key %q", a.Key)
	}
	blob, ok := a.Value.(canon.Bytes)
	if !ok {
		return nil, fmt.Errorf("object introspector: blob atom holds %s, not bytes", a.Value.Kind())
	}
	v, err := canon.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("object introspector: %w", err)
	}
	return v, nil
}

func (ObjectIntrospector) Digest(v canon.Value) (digest.Pair, error) {
	return pairDigest(v)
}
