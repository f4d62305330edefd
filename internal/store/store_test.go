package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// createTestStore creates a temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestAtom(hash, key, value, valueType string) AtomRow {
	return AtomRow{
		Hash:      hash,
		Key:       key,
		Value:     []byte(value),
		ValueType: valueType,
		Created:   time.Now(),
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	s2.Close()
}

func TestUpsertAtom_Dedup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := createTestAtom("hash-1", "foo", `"hello"`, "string")
	if err := s.UpsertAtom(ctx, a); err != nil {
		t.Fatalf("UpsertAtom failed: %v", err)
	}
	if err := s.UpsertAtom(ctx, a); err != nil {
		t.Fatalf("second UpsertAtom failed: %v", err)
	}

	n, err := s.AtomCount(ctx)
	if err != nil {
		t.Fatalf("AtomCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("atom count = %d, want 1", n)
	}
}

func TestUpsertGroup_LinksMembersOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	s.UpsertAtom(ctx, createTestAtom("atom-1", "foo", `"hello"`, "string"))
	s.UpsertAtom(ctx, createTestAtom("atom-2", "bar", `true`, "bool"))

	inserted, err := s.UpsertGroup(ctx, GroupRow{Hash: "group-1", Created: time.Now()},
		[]string{"atom-1", "atom-2"})
	if err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	if !inserted {
		t.Error("first UpsertGroup reported inserted=false")
	}

	inserted, err = s.UpsertGroup(ctx, GroupRow{Hash: "group-1", Created: time.Now()},
		[]string{"atom-1", "atom-2"})
	if err != nil {
		t.Fatalf("second UpsertGroup failed: %v", err)
	}
	if inserted {
		t.Error("second UpsertGroup reported inserted=true")
	}

	atoms, err := s.GroupAtoms(ctx, "group-1")
	if err != nil {
		t.Fatalf("GroupAtoms failed: %v", err)
	}
	if len(atoms) != 2 {
		t.Fatalf("group atoms = %d, want 2", len(atoms))
	}
	if atoms[0].Hash != "atom-1" || atoms[1].Hash != "atom-2" {
		t.Errorf("member order = [%s %s], want [atom-1 atom-2]", atoms[0].Hash, atoms[1].Hash)
	}
}

func TestGroupAtoms_MissingGroup(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GroupAtoms(context.Background(), "no-such-group")
	if !fault.IsNotFound(err) {
		t.Errorf("GroupAtoms(missing) = %v, want NOT_FOUND fault", err)
	}
}

func TestGroupAtoms_EmptyGroup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// An empty mapping decomposes to a group with no members; the
	// record must round-trip, distinct from a missing group.
	inserted, err := s.UpsertGroup(ctx, GroupRow{Hash: "group-empty", Created: time.Now()}, nil)
	if err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	if !inserted {
		t.Fatal("empty group reported inserted=false")
	}

	atoms, err := s.GroupAtoms(ctx, "group-empty")
	if err != nil {
		t.Fatalf("GroupAtoms(empty) = %v, want no error", err)
	}
	if len(atoms) != 0 {
		t.Errorf("empty group returned %d atoms", len(atoms))
	}
}

func TestInsertDatasetIfAbsent_DuplicateDigest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	s.UpsertAtom(ctx, createTestAtom("atom-1", "foo", `"hello"`, "string"))
	s.UpsertGroup(ctx, GroupRow{Hash: "group-1", Created: time.Now()}, []string{"atom-1"})

	d := DatasetRow{
		Name:         "ds-a",
		Kind:         "table",
		FastDigest:   "fast-1",
		StrongDigest: "strong-1",
		Created:      time.Now(),
	}

	first, created, err := s.InsertDatasetIfAbsent(ctx, d, []string{"group-1"})
	if err != nil {
		t.Fatalf("InsertDatasetIfAbsent failed: %v", err)
	}
	if !created {
		t.Error("first insert reported created=false")
	}

	// Same content under a different name returns the existing row.
	d.Name = "ds-b"
	second, created, err := s.InsertDatasetIfAbsent(ctx, d, []string{"group-1"})
	if err != nil {
		t.Fatalf("second InsertDatasetIfAbsent failed: %v", err)
	}
	if created {
		t.Error("duplicate digest reported created=true")
	}
	if second.ID != first.ID || second.Name != "ds-a" {
		t.Errorf("duplicate returned row %+v, want original %+v", second, first)
	}
}

func TestInsertDatasetIfAbsent_NameCollision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := DatasetRow{Name: "ds-a", Kind: "table", FastDigest: "f1", StrongDigest: "s1", Created: time.Now()}
	if _, _, err := s.InsertDatasetIfAbsent(ctx, d, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Same name, different content: names are never silently rebound,
	// and the refusal is a coded fault the caller can act on.
	d.StrongDigest = "s2"
	d.FastDigest = "f2"
	_, _, err := s.InsertDatasetIfAbsent(ctx, d, nil)
	if !fault.IsValidation(err) {
		t.Errorf("name collision = %v, want VALIDATION_FAILED fault", err)
	}
}

func TestDatasetLookups(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := DatasetRow{Name: "ds-a", Kind: "mapping", FastDigest: "f1", StrongDigest: "s1", Created: time.Now()}
	row, _, err := s.InsertDatasetIfAbsent(ctx, d, nil)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	byID, err := s.DatasetByID(ctx, row.ID)
	if err != nil || byID.Name != "ds-a" {
		t.Errorf("DatasetByID = %+v, %v", byID, err)
	}
	byName, err := s.DatasetByName(ctx, "ds-a")
	if err != nil || byName.ID != row.ID {
		t.Errorf("DatasetByName = %+v, %v", byName, err)
	}
	byDigest, err := s.DatasetByStrongDigest(ctx, "s1")
	if err != nil || byDigest.ID != row.ID {
		t.Errorf("DatasetByStrongDigest = %+v, %v", byDigest, err)
	}

	if _, err := s.DatasetByName(ctx, "missing"); !fault.IsNotFound(err) {
		t.Errorf("DatasetByName(missing) = %v, want NOT_FOUND", err)
	}
}

func TestInsertRunIfAbsent_Memoizes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	user, err := s.GetOrCreateUser(ctx, "jov")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	alg, err := s.GetOrCreateAlgorithm(ctx, AlgorithmRow{Name: "increment", Version: "abc123"})
	if err != nil {
		t.Fatalf("GetOrCreateAlgorithm failed: %v", err)
	}
	out, _, err := s.InsertDatasetIfAbsent(ctx, DatasetRow{
		Name: "out", Kind: "table", FastDigest: "f", StrongDigest: "s", Created: time.Now(),
	}, nil)
	if err != nil {
		t.Fatalf("insert output dataset failed: %v", err)
	}

	r := RunRow{
		InputDigest:     "in-digest",
		AlgorithmID:     alg.ID,
		ParamsDigest:    "params-digest",
		OutputDatasetID: out.ID,
		UserID:          user.ID,
		Begin:           time.Now(),
		End:             time.Now(),
	}

	first, inserted, err := s.InsertRunIfAbsent(ctx, r)
	if err != nil {
		t.Fatalf("InsertRunIfAbsent failed: %v", err)
	}
	if !inserted {
		t.Error("first insert reported inserted=false")
	}

	second, inserted, err := s.InsertRunIfAbsent(ctx, r)
	if err != nil {
		t.Fatalf("second InsertRunIfAbsent failed: %v", err)
	}
	if inserted {
		t.Error("second insert reported inserted=true")
	}
	if second.ID != first.ID {
		t.Errorf("run ids differ: %d vs %d", second.ID, first.ID)
	}
}

func TestGetOrCreateUser_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "jov")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	u2, err := s.GetOrCreateUser(ctx, "jov")
	if err != nil {
		t.Fatalf("second GetOrCreateUser failed: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("user ids differ: %d vs %d", u1.ID, u2.ID)
	}
}

func TestPurgeDataset_RemovesOnlyOrphans(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Shared atom/group between two datasets plus one exclusive to A.
	s.UpsertAtom(ctx, createTestAtom("atom-shared", "foo", `"hello"`, "string"))
	s.UpsertAtom(ctx, createTestAtom("atom-only-a", "bar", `false`, "bool"))
	s.UpsertGroup(ctx, GroupRow{Hash: "group-shared", Created: time.Now()}, []string{"atom-shared"})
	s.UpsertGroup(ctx, GroupRow{Hash: "group-only-a", Created: time.Now()}, []string{"atom-only-a"})

	a, _, err := s.InsertDatasetIfAbsent(ctx, DatasetRow{
		Name: "a", Kind: "table", FastDigest: "fa", StrongDigest: "sa", Created: time.Now(),
	}, []string{"group-shared", "group-only-a"})
	if err != nil {
		t.Fatalf("insert a failed: %v", err)
	}
	if _, _, err := s.InsertDatasetIfAbsent(ctx, DatasetRow{
		Name: "b", Kind: "table", FastDigest: "fb", StrongDigest: "sb", Created: time.Now(),
	}, []string{"group-shared"}); err != nil {
		t.Fatalf("insert b failed: %v", err)
	}

	groups, atoms, err := s.PurgeDataset(ctx, a.ID)
	if err != nil {
		t.Fatalf("PurgeDataset failed: %v", err)
	}
	if groups != 1 || atoms != 1 {
		t.Errorf("purged %d groups, %d atoms; want 1, 1", groups, atoms)
	}

	// Shared records survive for dataset b.
	if _, err := s.GroupAtoms(ctx, "group-shared"); err != nil {
		t.Errorf("shared group lost: %v", err)
	}
	if _, err := s.DatasetByID(ctx, a.ID); !fault.IsNotFound(err) {
		t.Errorf("purged dataset still present: %v", err)
	}
}

func TestCountDependentRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alg, _ := s.GetOrCreateAlgorithm(ctx, AlgorithmRow{Name: "alg", Version: "v1"})
	in, _, _ := s.InsertDatasetIfAbsent(ctx, DatasetRow{
		Name: "in", Kind: "table", FastDigest: "fi", StrongDigest: "si", Created: time.Now(),
	}, nil)
	out, _, _ := s.InsertDatasetIfAbsent(ctx, DatasetRow{
		Name: "out", Kind: "table", FastDigest: "fo", StrongDigest: "so", Created: time.Now(),
	}, nil)

	if _, _, err := s.InsertRunIfAbsent(ctx, RunRow{
		InputDigest: "si", AlgorithmID: alg.ID, ParamsDigest: "p",
		OutputDatasetID: out.ID, Begin: time.Now(), End: time.Now(),
	}); err != nil {
		t.Fatalf("InsertRunIfAbsent failed: %v", err)
	}

	n, err := s.CountDependentRuns(ctx, in.ID, "si")
	if err != nil {
		t.Fatalf("CountDependentRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("dependent runs for input = %d, want 1", n)
	}

	n, err = s.CountDependentRuns(ctx, out.ID, "so")
	if err != nil {
		t.Fatalf("CountDependentRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("dependent runs for output = %d, want 1", n)
	}
}

func TestFileRefs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	f := FileRow{
		Ref:          "ref-1",
		OriginPath:   "/data/in.tiff",
		ReadPath:     "/store/ref-1",
		StrongDigest: "filedigest",
		Created:      time.Now(),
	}
	first, err := s.GetOrCreateFile(ctx, f)
	if err != nil {
		t.Fatalf("GetOrCreateFile failed: %v", err)
	}

	// Same content digest dedups to the first reference.
	f.Ref = "ref-2"
	second, err := s.GetOrCreateFile(ctx, f)
	if err != nil {
		t.Fatalf("second GetOrCreateFile failed: %v", err)
	}
	if second.Ref != first.Ref {
		t.Errorf("refs differ for identical content: %s vs %s", second.Ref, first.Ref)
	}

	if err := s.UpdateFileReadPath(ctx, "ref-1", "/moved/ref-1"); err != nil {
		t.Fatalf("UpdateFileReadPath failed: %v", err)
	}
	got, err := s.FileByRef(ctx, "ref-1")
	if err != nil {
		t.Fatalf("FileByRef failed: %v", err)
	}
	if got.ReadPath != "/moved/ref-1" {
		t.Errorf("read path = %s, want /moved/ref-1", got.ReadPath)
	}

	if err := s.UpdateFileReadPath(ctx, "missing", "/x"); !fault.IsNotFound(err) {
		t.Errorf("UpdateFileReadPath(missing) = %v, want NOT_FOUND", err)
	}
}
