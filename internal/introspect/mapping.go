package introspect

import (
	"fmt"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
)

// MappingIntrospector handles key-value values: a single canon.Map
// decomposes into one group holding one atom per key, in sorted key
// order. Two mappings sharing an identical pair set dedup to the same
// group even when only one key differs at the dataset level — the
// unchanged atoms still dedup individually.
type MappingIntrospector struct{}

func (MappingIntrospector) Kind() Kind { return KindMapping }

func (MappingIntrospector) Validate(v canon.Value, rules Ruleset) ([]Violation, error) {
	m, ok := v.(canon.Map)
	if !ok {
		return nil, fmt.Errorf("mapping introspector: expected map, got %s", v.Kind())
	}

	for _, field := range rules.fields() {
		if _, ok := m[field]; !ok {
			return nil, fmt.Errorf("rule references key %q absent from mapping", field)
		}
	}

	var violations []Violation
	for _, field := range rules.fields() {
		violations = checkField(rules, field, -1, m[field], violations)
	}
	return violations, nil
}

func (MappingIntrospector) Decompose(v canon.Value) ([]Group, error) {
	m, ok := v.(canon.Map)
	if !ok {
		return nil, fmt.Errorf("mapping introspector: expected map, got %s", v.Kind())
	}

	keys := m.SortedKeys()
	atoms := make([]Atom, len(keys))
	for i, k := range keys {
		// Atom identity uses the NFC key form, matching canonical
		// serialization, so NFC-equivalent maps dedup to one record set.
		atoms[i] = Atom{Key: canon.NormalizeKey(k), Value: m[k]}
	}
	return []Group{{Atoms: atoms}}, nil
}

func (MappingIntrospector) Reconstruct(groups []Group) (canon.Value, error) {
	m := canon.Map{}
	for _, g := range groups {
		for _, a := range g.Atoms {
			m[a.Key] = a.Value
		}
	}
	return m, nil
}

func (MappingIntrospector) Digest(v canon.Value) (digest.Pair, error) {
	return pairDigest(v)
}
