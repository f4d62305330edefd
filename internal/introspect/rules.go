package introspect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dsdb-io/dsdb/internal/canon"
)

// Predicate is a per-field value constraint. Name appears in
// violation messages.
type Predicate struct {
	Name string
	Fn   func(canon.Value) bool
}

// Ruleset is the explicit validation configuration: per-field type
// constraints, per-field predicates, the fields holding external file
// references, and whether mismatched scalars may be cast instead of
// rejected.
type Ruleset struct {
	TypeRules      map[string][]canon.Kind
	ValueRules     map[string][]Predicate
	FileFields     []string
	CastOnMismatch bool
}

// Empty reports whether the ruleset constrains nothing.
func (r Ruleset) Empty() bool {
	return len(r.TypeRules) == 0 && len(r.ValueRules) == 0 && len(r.FileFields) == 0
}

// fields returns every field name the ruleset references.
func (r Ruleset) fields() []string {
	seen := map[string]bool{}
	var out []string
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for f := range r.TypeRules {
		add(f)
	}
	for f := range r.ValueRules {
		add(f)
	}
	for _, f := range r.FileFields {
		add(f)
	}
	return out
}

func (r Ruleset) isFileField(field string) bool {
	for _, f := range r.FileFields {
		if f == field {
			return true
		}
	}
	return false
}

// Violation is one validation failure. Index is the row index for
// tabular values, -1 otherwise.
type Violation struct {
	Field   string
	Index   int
	Message string
}

func (v Violation) String() string {
	if v.Index >= 0 {
		return fmt.Sprintf("field %q row %d: %s", v.Field, v.Index, v.Message)
	}
	return fmt.Sprintf("field %q: %s", v.Field, v.Message)
}

// Strings flattens violations for fault reporting.
func Strings(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

// checkField validates one field value against the ruleset and
// appends any violations found. Every check runs; nothing
// short-circuits on the first failure.
func checkField(rules Ruleset, field string, index int, v canon.Value, violations []Violation) []Violation {
	if kinds, ok := rules.TypeRules[field]; ok && len(kinds) > 0 {
		if !kindAllowed(v.Kind(), kinds) &&
			!(rules.CastOnMismatch && castable(v, kinds)) {
			violations = append(violations, Violation{
				Field: field, Index: index,
				Message: fmt.Sprintf("expected %s, got %s", kindList(kinds), v.Kind()),
			})
		}
	}

	for i, pred := range rules.ValueRules[field] {
		name := pred.Name
		if name == "" {
			name = fmt.Sprintf("predicate %d", i)
		}
		if !pred.Fn(v) {
			violations = append(violations, Violation{
				Field: field, Index: index,
				Message: fmt.Sprintf("%s rejected value", name),
			})
		}
	}

	if rules.isFileField(field) {
		if _, ok := v.(canon.String); !ok {
			violations = append(violations, Violation{
				Field: field, Index: index,
				Message: fmt.Sprintf("file field must be a string path, got %s", v.Kind()),
			})
		}
	}

	return violations
}

func kindAllowed(k canon.Kind, allowed []canon.Kind) bool {
	for _, a := range allowed {
		if k == a {
			return true
		}
	}
	return false
}

func kindList(kinds []canon.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, "|")
}

// castable reports whether v can be converted to one of the allowed
// kinds by castValue.
func castable(v canon.Value, allowed []canon.Kind) bool {
	for _, k := range allowed {
		if _, ok := castValue(v, k); ok {
			return true
		}
	}
	return false
}

// castValue attempts a lossless scalar conversion to the target kind.
func castValue(v canon.Value, target canon.Kind) (canon.Value, bool) {
	if v.Kind() == target {
		return v, true
	}
	switch val := v.(type) {
	case canon.String:
		switch target {
		case canon.KindInt:
			if n, err := strconv.ParseInt(string(val), 10, 64); err == nil {
				return canon.Int(n), true
			}
		case canon.KindFloat:
			if f, err := strconv.ParseFloat(string(val), 64); err == nil {
				return canon.Float(f), true
			}
		case canon.KindBool:
			if b, err := strconv.ParseBool(string(val)); err == nil {
				return canon.Bool(b), true
			}
		}
	case canon.Int:
		switch target {
		case canon.KindFloat:
			return canon.Float(val), true
		case canon.KindString:
			return canon.String(strconv.FormatInt(int64(val), 10)), true
		}
	case canon.Float:
		if target == canon.KindString {
			return canon.String(strconv.FormatFloat(float64(val), 'g', -1, 64)), true
		}
	}
	return nil, false
}

// FieldChange records one field substitution made by an explicit
// transform. From and To are canonical serializations.
type FieldChange struct {
	Field string
	Index int
	From  string
	To    string
}

// FileStorer is the narrow boundary to the external file system used
// by ApplyFileRules.
type FileStorer interface {
	StoreFile(ctx context.Context, localPath string) (ref string, err error)
}

// FileRefScheme prefixes stored file references so reconstructed
// values are distinguishable from raw paths.
const FileRefScheme = "dsdb-file://"

// IsFileRef reports whether s is a stored file reference.
func IsFileRef(s string) bool { return strings.HasPrefix(s, FileRefScheme) }

// RefFromString strips the scheme from a stored file reference.
func RefFromString(s string) string { return strings.TrimPrefix(s, FileRefScheme) }

// ApplyFileRules replaces each file-field path with a stable stored
// reference, returning a new value and a report of every change. The
// caller's value is never mutated. Values already carrying a
// reference pass through unchanged, so the transform is idempotent.
func ApplyFileRules(ctx context.Context, v canon.Value, rules Ruleset, fs FileStorer) (canon.Value, []FieldChange, error) {
	if len(rules.FileFields) == 0 {
		return v, nil, nil
	}

	var changes []FieldChange

	replace := func(field string, index int, val canon.Value) (canon.Value, error) {
		s, ok := val.(canon.String)
		if !ok {
			return nil, fmt.Errorf("file field %q: expected string path, got %s", field, val.Kind())
		}
		if IsFileRef(string(s)) {
			return val, nil
		}
		ref, err := fs.StoreFile(ctx, string(s))
		if err != nil {
			return nil, fmt.Errorf("file field %q: %w", field, err)
		}
		to := canon.String(FileRefScheme + ref)
		changes = append(changes, FieldChange{
			Field: field, Index: index,
			From: string(s), To: string(to),
		})
		return to, nil
	}

	switch val := v.(type) {
	case canon.List:
		out := make(canon.List, len(val))
		for i, elem := range val {
			row, ok := elem.(canon.Map)
			if !ok {
				out[i] = elem
				continue
			}
			newRow := make(canon.Map, len(row))
			for k, cell := range row {
				newRow[k] = cell
			}
			for _, field := range rules.FileFields {
				cell, ok := newRow[field]
				if !ok {
					return nil, nil, fmt.Errorf("file field %q absent from row %d", field, i)
				}
				replaced, err := replace(field, i, cell)
				if err != nil {
					return nil, nil, err
				}
				newRow[field] = replaced
			}
			out[i] = newRow
		}
		return out, changes, nil

	case canon.Map:
		out := make(canon.Map, len(val))
		for k, cell := range val {
			out[k] = cell
		}
		for _, field := range rules.FileFields {
			cell, ok := out[field]
			if !ok {
				return nil, nil, fmt.Errorf("file field %q absent from value", field)
			}
			replaced, err := replace(field, -1, cell)
			if err != nil {
				return nil, nil, err
			}
			out[field] = replaced
		}
		return out, changes, nil

	default:
		return nil, nil, fmt.Errorf("file fields configured for non-decomposable value of kind %s", v.Kind())
	}
}

// ApplyCasts converts mismatched scalar fields to their first
// castable allowed kind, returning a new value and a change report.
// Only meaningful when the ruleset sets CastOnMismatch.
func ApplyCasts(v canon.Value, rules Ruleset) (canon.Value, []FieldChange, error) {
	if !rules.CastOnMismatch || len(rules.TypeRules) == 0 {
		return v, nil, nil
	}

	var changes []FieldChange

	cast := func(field string, index int, val canon.Value) canon.Value {
		kinds := rules.TypeRules[field]
		if len(kinds) == 0 || kindAllowed(val.Kind(), kinds) {
			return val
		}
		for _, k := range kinds {
			if converted, ok := castValue(val, k); ok {
				changes = append(changes, FieldChange{
					Field: field, Index: index,
					From: string(canon.MustMarshal(val)),
					To:   string(canon.MustMarshal(converted)),
				})
				return converted
			}
		}
		return val
	}

	switch val := v.(type) {
	case canon.List:
		out := make(canon.List, len(val))
		for i, elem := range val {
			row, ok := elem.(canon.Map)
			if !ok {
				out[i] = elem
				continue
			}
			newRow := make(canon.Map, len(row))
			for k, cell := range row {
				if _, ruled := rules.TypeRules[k]; ruled {
					newRow[k] = cast(k, i, cell)
				} else {
					newRow[k] = cell
				}
			}
			out[i] = newRow
		}
		return out, changes, nil

	case canon.Map:
		out := make(canon.Map, len(val))
		for k, cell := range val {
			if _, ruled := rules.TypeRules[k]; ruled {
				out[k] = cast(k, -1, cell)
			} else {
				out[k] = cell
			}
		}
		return out, changes, nil

	default:
		return v, nil, nil
	}
}
