package export

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/dataset"
)

func createTestDatabase(t *testing.T) *dataset.Database {
	t.Helper()
	db, err := dataset.Open(context.Background(), dataset.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		User:   "tester",
		Logger: slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteRead_RoundTrip(t *testing.T) {
	db := createTestDatabase(t)
	ctx := context.Background()

	value := canon.List{
		canon.Map{"foo": canon.String("hello"), "bar": canon.Bool(true)},
		canon.Map{"foo": canon.String("world"), "bar": canon.Bool(false)},
	}
	d := dataset.New("bundle-me", "export test", value)
	info, err := db.Upload(ctx, d, dataset.UploadOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, db, "bundle-me", &buf))

	manifest, got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "bundle-me", manifest.Name)
	assert.Equal(t, "table", manifest.Kind)
	assert.Equal(t, info.Digests.Strong, manifest.StrongDigest)
	assert.Equal(t, info.Digests.Fast, manifest.FastDigest)
	assert.True(t, canon.Equal(got, value))
}

func TestWrite_MissingDataset(t *testing.T) {
	db := createTestDatabase(t)
	var buf bytes.Buffer
	err := Write(context.Background(), db, "absent", &buf)
	require.Error(t, err)
}

func TestRead_TruncatedBundle(t *testing.T) {
	_, _, err := Read(bytes.NewReader([]byte("not a gzip stream")))
	require.Error(t, err)
}
