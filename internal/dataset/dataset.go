// Package dataset is the user-facing surface: Database handles own all
// store, file, and provenance state explicitly (no globals), and
// Dataset values move through upload, retrieval, and algorithm
// application with digest verification at every boundary.
package dataset

import (
	"time"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/introspect"
)

// DatasetInfo is the verification envelope binding a dataset to its
// persisted identity. It exists only after a successful commit and
// digest verification; its absence marks a transient, uncommitted
// local value.
type DatasetInfo struct {
	ID          int64
	Name        string
	Description string
	Kind        introspect.Kind
	Digests     digest.Pair
	Created     time.Time
}

// Dataset carries a value and, once committed, its DatasetInfo. A
// committed dataset is immutable: SetValue fails fast rather than
// silently invalidating the stored digests.
type Dataset struct {
	name        string
	description string
	value       canon.Value
	info        *DatasetInfo
}

// New creates an uncommitted dataset around a value.
func New(name, description string, value canon.Value) *Dataset {
	return &Dataset{name: name, description: description, value: value}
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// Description returns the dataset description.
func (d *Dataset) Description() string { return d.description }

// Value returns the current value.
func (d *Dataset) Value() canon.Value { return d.value }

// Info returns the verification envelope, or nil while uncommitted.
func (d *Dataset) Info() *DatasetInfo { return d.info }

// Committed reports whether the dataset carries verified metadata.
func (d *Dataset) Committed() bool { return d.info != nil }

// SetValue replaces the value of an uncommitted dataset. Once info is
// attached the value is frozen.
func (d *Dataset) SetValue(v canon.Value) error {
	if d.info != nil {
		return fault.New(fault.CodeImmutable,
			"dataset %q is committed (id %d); its value cannot change", d.name, d.info.ID)
	}
	d.value = v
	return nil
}
