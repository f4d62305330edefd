package store

import "time"

// timeLayout is the stored timestamp format.
const timeLayout = time.RFC3339Nano

// nullableID maps a zero id to SQL NULL so unset references do not
// trip foreign key enforcement.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// AtomRow is one stored atom record. Value holds the canonical bytes
// of the scalar value; ValueType is its canon kind tag.
type AtomRow struct {
	Hash      string
	Key       string
	Value     []byte
	ValueType string
	Created   time.Time
}

// GroupRow is one stored group record.
type GroupRow struct {
	Hash    string
	Created time.Time
}

// UserRow is one stored user record.
type UserRow struct {
	ID      int64
	Name    string
	Created time.Time
}

// DatasetRow is one stored dataset record.
type DatasetRow struct {
	ID           int64
	Name         string
	Description  string
	Kind         string
	FastDigest   string
	StrongDigest string
	UserID       int64
	Created      time.Time
}

// AlgorithmRow is one stored algorithm identity.
type AlgorithmRow struct {
	ID          int64
	Name        string
	Description string
	Version     string
	UserID      int64
	Created     time.Time
}

// RunRow is one stored provenance record. InputDigest and
// ParamsDigest are dataset strong digests; the triple
// (InputDigest, AlgorithmID, ParamsDigest) is unique.
type RunRow struct {
	ID              int64
	InputDigest     string
	AlgorithmID     int64
	ParamsDigest    string
	OutputDatasetID int64
	UserID          int64
	Begin           time.Time
	End             time.Time
}

// FileRow is one stored external file reference.
type FileRow struct {
	Ref          string
	OriginPath   string
	ReadPath     string
	StrongDigest string
	Created      time.Time
}
