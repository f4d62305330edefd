package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsdb-io/dsdb/internal/atomstore"
	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/introspect"
)

func createTestDatabase(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), Config{
		Path:    filepath.Join(dir, "test.db"),
		FileDir: filepath.Join(dir, "files"),
		User:    "tester",
		Workers: 4,
		Logger:  slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableValue() canon.Value {
	return canon.List{
		canon.Map{"foo": canon.String("hello"), "bar": canon.Bool(true)},
		canon.Map{"foo": canon.String("world"), "bar": canon.Bool(false)},
	}
}

func TestUploadGet_RoundTrip(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	d := New("cells", "observed cells", tableValue())
	require.False(t, d.Committed())

	info, err := db.Upload(ctx, d, UploadOptions{})
	require.NoError(t, err)
	require.True(t, d.Committed())
	assert.Equal(t, "cells", info.Name)
	assert.Equal(t, introspect.KindTable, info.Kind)
	assert.NotEmpty(t, info.Digests.Strong)
	assert.NotEmpty(t, info.Digests.Fast)

	got, err := db.Get(ctx, "cells")
	require.NoError(t, err)
	assert.True(t, canon.Equal(got.Value(), tableValue()))
	assert.Equal(t, info.ID, got.Info().ID)
	assert.Equal(t, info.Digests, got.Info().Digests)

	byID, err := db.GetByID(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Name(), byID.Name())
}

func TestUpload_DuplicateContentResolvesToOriginal(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	first, err := db.Upload(ctx, New("original", "", tableValue()), UploadOptions{})
	require.NoError(t, err)

	dup := New("copy", "", tableValue())
	second, err := db.Upload(ctx, dup, UploadOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "original", dup.Name(), "duplicate adopts the stored record's name")
}

func TestUpload_AlreadyCommittedIsNoOp(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	d := New("once", "", canon.Map{"k": canon.Int(1)})
	info, err := db.Upload(ctx, d, UploadOptions{})
	require.NoError(t, err)

	again, err := db.Upload(ctx, d, UploadOptions{})
	require.NoError(t, err)
	assert.Same(t, info, again)
}

func TestUpload_EmptyMappingRoundTrip(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	// An empty mapping decomposes to one group with no atoms; the
	// record must commit, verify, and come back empty.
	d := New("empty", "", canon.Map{})
	info, err := db.Upload(ctx, d, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, introspect.KindMapping, info.Kind)

	got, err := db.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, canon.Equal(got.Value(), canon.Map{}))
	assert.Empty(t, got.Value().(canon.Map))
}

func TestUpload_ValidationFailureListsEverything(t *testing.T) {
	db := createTestDatabase(t)

	rules := introspect.Ruleset{
		TypeRules: map[string][]canon.Kind{
			"foo": {canon.KindInt},
			"bar": {canon.KindString},
		},
	}
	_, err := db.Upload(context.Background(), New("bad", "", tableValue()), UploadOptions{Rules: rules})
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Len(t, f.Violations, 4, "both fields in both rows")
}

func TestUpload_CastOnMismatch(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	v := canon.List{canon.Map{"n": canon.String("42")}}
	rules := introspect.Ruleset{
		TypeRules:      map[string][]canon.Kind{"n": {canon.KindInt}},
		CastOnMismatch: true,
	}
	d := New("cast", "", v)
	_, err := db.Upload(ctx, d, UploadOptions{Rules: rules})
	require.NoError(t, err)

	row := d.Value().(canon.List)[0].(canon.Map)
	assert.Equal(t, canon.Int(42), row["n"])
}

func TestSetValue_AfterCommitFailsFast(t *testing.T) {
	db := createTestDatabase(t)

	d := New("frozen", "", canon.Map{"k": canon.Int(1)})
	require.NoError(t, d.SetValue(canon.Map{"k": canon.Int(2)}))

	_, err := db.Upload(context.Background(), d, UploadOptions{})
	require.NoError(t, err)

	err = d.SetValue(canon.Map{"k": canon.Int(3)})
	require.Error(t, err)
	assert.True(t, fault.IsImmutable(err))
}

func TestUpload_FileFieldsBecomeResolvableRefs(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	img := filepath.Join(t.TempDir(), "cell.tiff")
	require.NoError(t, os.WriteFile(img, []byte("pixels"), 0o644))

	v := canon.List{canon.Map{"img": canon.String(img), "label": canon.String("x")}}
	d := New("imaging", "", v)
	_, err := db.Upload(ctx, d, UploadOptions{
		Rules: introspect.Ruleset{FileFields: []string{"img"}},
	})
	require.NoError(t, err)

	// The stored value carries a reference, not the raw path.
	got, err := db.Get(ctx, "imaging")
	require.NoError(t, err)
	ref := string(got.Value().(canon.List)[0].(canon.Map)["img"].(canon.String))
	require.True(t, introspect.IsFileRef(ref))

	// Resolution happens per call against the current location.
	loc, err := db.ResolveFile(ctx, ref)
	require.NoError(t, err)
	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	// Caller's original value was not rewritten in place.
	assert.Equal(t, canon.String(img), v[0].(canon.Map)["img"])
}

func TestGet_TamperedRecordIsIntegrityFault(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	info, err := db.Upload(ctx, New("victim", "", tableValue()), UploadOptions{})
	require.NoError(t, err)

	// Corrupt one atom's stored value behind the engine's back.
	_, err = db.Store().DB().ExecContext(ctx,
		`UPDATE atoms SET value = '"tampered"' WHERE value = '"hello"'`)
	require.NoError(t, err)

	_, err = db.Get(ctx, "victim")
	require.Error(t, err)
	assert.True(t, fault.IsIntegrity(err), "got %v", err)

	_, err = db.GetByID(ctx, info.ID)
	require.Error(t, err)
	assert.True(t, fault.IsIntegrity(err))
}

func incrementAlgorithm(calls *atomic.Int32) Algorithm {
	return Algorithm{
		Name:   "increment",
		Source: "increment the named column by one",
		Fn: func(ctx context.Context, input canon.Value, params canon.Value) (canon.Value, error) {
			if calls != nil {
				calls.Add(1)
			}
			column := string(params.(canon.Map)["column"].(canon.String))
			rows := input.(canon.List)
			out := make(canon.List, len(rows))
			for i, r := range rows {
				row := r.(canon.Map)
				next := make(canon.Map, len(row))
				for k, cell := range row {
					next[k] = cell
				}
				next[column] = canon.Int(int64(row[column].(canon.Int)) + 1)
				out[i] = next
			}
			return out, nil
		},
	}
}

func numbersValue() canon.Value {
	return canon.List{
		canon.Map{"n": canon.Int(1), "tag": canon.String("a")},
		canon.Map{"n": canon.Int(2), "tag": canon.String("b")},
	}
}

func TestApply_MemoizesOnTriple(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	var calls atomic.Int32
	alg := incrementAlgorithm(&calls)
	params := canon.Map{"column": canon.String("n")}

	out1, err := db.Apply(ctx, input, alg, params, ApplyOptions{})
	require.NoError(t, err)
	require.True(t, out1.Committed())

	wantRow := out1.Value().(canon.List)[0].(canon.Map)
	assert.Equal(t, canon.Int(2), wantRow["n"])

	out2, err := db.Apply(ctx, input, alg, params, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, out1.Info().Digests, out2.Info().Digests)
	assert.Equal(t, int32(1), calls.Load(), "memoized application recomputed")

	// Different params is a different triple.
	_, err = db.Apply(ctx, input, alg, canon.Map{"column": canon.String("n"), "extra": canon.Int(1)}, ApplyOptions{
		OutputName: "numbers:increment:2",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestApply_DistinctParamsGetDistinctDefaultNames(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	add := Algorithm{
		Name:   "add",
		Source: "add the given amount to column n",
		Fn: func(ctx context.Context, in canon.Value, params canon.Value) (canon.Value, error) {
			by := int64(params.(canon.Map)["by"].(canon.Int))
			rows := in.(canon.List)
			out := make(canon.List, len(rows))
			for i, r := range rows {
				row := r.(canon.Map)
				next := make(canon.Map, len(row))
				for k, cell := range row {
					next[k] = cell
				}
				next["n"] = canon.Int(int64(row["n"].(canon.Int)) + by)
				out[i] = next
			}
			return out, nil
		},
	}

	// Same input and algorithm, different params: both applications
	// must land under distinct default names rather than colliding.
	out1, err := db.Apply(ctx, input, add, canon.Map{"by": canon.Int(1)}, ApplyOptions{})
	require.NoError(t, err)
	out2, err := db.Apply(ctx, input, add, canon.Map{"by": canon.Int(2)}, ApplyOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, out1.Name(), out2.Name())
	assert.NotEqual(t, out1.Info().ID, out2.Info().ID)
	row := out2.Value().(canon.List)[0].(canon.Map)
	assert.Equal(t, canon.Int(3), row["n"])
}

func TestApply_ConcurrentComputesOnce(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	var calls atomic.Int32
	alg := incrementAlgorithm(&calls)
	params := canon.Map{"column": canon.String("n")}

	const n = 4
	digests := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := db.Apply(ctx, input, alg, params, ApplyOptions{})
			if err != nil {
				t.Errorf("concurrent apply failed: %v", err)
				return
			}
			digests[i] = out.Info().Digests.Strong
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 1; i < n; i++ {
		assert.Equal(t, digests[0], digests[i])
	}
}

func TestApply_UncommittedInputRejected(t *testing.T) {
	db := createTestDatabase(t)
	_, err := db.Apply(context.Background(), New("loose", "", numbersValue()),
		incrementAlgorithm(nil), canon.Map{"column": canon.String("n")}, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}

func TestApply_FailureRecordsNoRun(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	boom := errors.New("algorithm exploded")
	failing := Algorithm{
		Name:   "fail",
		Source: "always fails",
		Fn: func(ctx context.Context, input, params canon.Value) (canon.Value, error) {
			return nil, boom
		},
	}
	_, err = db.Apply(ctx, input, failing, nil, ApplyOptions{})
	require.ErrorIs(t, err, boom)

	_, runs, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "failed application left a run record")
}

func TestApply_TimeoutRecordsNoRun(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	slow := Algorithm{
		Name:   "slow",
		Source: "sleeps past its deadline",
		Fn: func(ctx context.Context, input, params canon.Value) (canon.Value, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return input, nil
			}
		},
	}
	_, err = db.Apply(ctx, input, slow, nil, ApplyOptions{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, runs, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApply_VersionDerivedFromSource(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	_, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	var calls atomic.Int32
	alg := incrementAlgorithm(&calls)
	params := canon.Map{"column": canon.String("n")}

	_, err = db.Apply(ctx, input, alg, params, ApplyOptions{})
	require.NoError(t, err)

	// Same source, same derived version: memoized.
	_, err = db.Apply(ctx, input, alg, params, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Changed source means a new algorithm identity.
	changed := incrementAlgorithm(&calls)
	changed.Source = "increment the named column by one, v2"
	_, err = db.Apply(ctx, input, changed, params, ApplyOptions{
		OutputName: "numbers:increment:v2",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPurge_ThroughFacade(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	info, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	out, err := db.Apply(ctx, input, incrementAlgorithm(nil),
		canon.Map{"column": canon.String("n")}, ApplyOptions{})
	require.NoError(t, err)

	// The input feeds a run: shallow purge refuses.
	_, err = db.Purge(ctx, info.ID, atomstore.PurgeOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsDependentsExist(err))

	// Deep cascading purge removes the whole lineage.
	res, err := db.Purge(ctx, info.ID, atomstore.PurgeOptions{Deep: true, Cascade: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Datasets)

	_, err = db.GetByID(ctx, out.Info().ID)
	assert.True(t, fault.IsNotFound(err))
}

func TestGraph_ThroughFacade(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	input := New("numbers", "", numbersValue())
	info, err := db.Upload(ctx, input, UploadOptions{})
	require.NoError(t, err)

	out, err := db.Apply(ctx, input, incrementAlgorithm(nil),
		canon.Map{"column": canon.String("n")}, ApplyOptions{})
	require.NoError(t, err)

	g, err := db.Graph(ctx, info.ID, 0)
	require.NoError(t, err)
	assert.Len(t, g.Datasets, 2)
	assert.Len(t, g.Runs, 1)
	assert.Equal(t, out.Info().ID, g.Runs[0].OutputDatasetID)
}

func TestRecent(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.Upload(ctx, New(fmt.Sprintf("ds-%d", i), "", canon.Map{"i": canon.Int(int64(i))}), UploadOptions{})
		require.NoError(t, err)
	}

	datasets, runs, err := db.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, datasets, 2)
	assert.Empty(t, runs)
	assert.Equal(t, "ds-2", datasets[0].Name)
}
