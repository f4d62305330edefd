package introspect

import (
	"fmt"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
)

// TableIntrospector handles tabular values: a canon.List whose
// elements are all canon.Map rows. One group per row, one atom per
// column. Row order is preserved through the dataset's group
// sequence; column order within a group is the sorted key order, so
// decomposition is stable regardless of map construction order.
type TableIntrospector struct{}

func (TableIntrospector) Kind() Kind { return KindTable }

func (TableIntrospector) Validate(v canon.Value, rules Ruleset) ([]Violation, error) {
	rows, err := tableRows(v)
	if err != nil {
		return nil, err
	}

	// A rule naming a column the table lacks is malformed input, not a
	// violation.
	for _, field := range rules.fields() {
		for i, row := range rows {
			if _, ok := row[field]; !ok {
				return nil, fmt.Errorf("rule references field %q absent from row %d", field, i)
			}
		}
	}

	var violations []Violation
	for i, row := range rows {
		for _, field := range rules.fields() {
			violations = checkField(rules, field, i, row[field], violations)
		}
	}
	return violations, nil
}

func (TableIntrospector) Decompose(v canon.Value) ([]Group, error) {
	rows, err := tableRows(v)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, len(rows))
	for i, row := range rows {
		keys := row.SortedKeys()
		atoms := make([]Atom, len(keys))
		for j, k := range keys {
			atoms[j] = Atom{Key: canon.NormalizeKey(k), Value: row[k]}
		}
		groups[i] = Group{Atoms: atoms}
	}
	return groups, nil
}

func (TableIntrospector) Reconstruct(groups []Group) (canon.Value, error) {
	rows := make(canon.List, len(groups))
	for i, g := range groups {
		row := make(canon.Map, len(g.Atoms))
		for _, a := range g.Atoms {
			row[a.Key] = a.Value
		}
		rows[i] = row
	}
	return rows, nil
}

func (TableIntrospector) Digest(v canon.Value) (digest.Pair, error) {
	return pairDigest(v)
}

func tableRows(v canon.Value) ([]canon.Map, error) {
	list, ok := v.(canon.List)
	if !ok {
		return nil, fmt.Errorf("table introspector: expected list of rows, got %s", v.Kind())
	}
	rows := make([]canon.Map, len(list))
	for i, elem := range list {
		row, ok := elem.(canon.Map)
		if !ok {
			return nil, fmt.Errorf("table introspector: row %d is %s, not map", i, elem.Kind())
		}
		rows[i] = row
	}
	return rows, nil
}
