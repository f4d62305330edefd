package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dsdb-io/dsdb/internal/atomstore"
	"github.com/dsdb-io/dsdb/internal/digest"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/fms"
	"github.com/dsdb-io/dsdb/internal/introspect"
	"github.com/dsdb-io/dsdb/internal/ledger"
	"github.com/dsdb-io/dsdb/internal/store"
)

// Config configures a Database handle.
type Config struct {
	// Path is the SQLite database location.
	Path string

	// FileDir is the managed file storage directory. Defaults to a
	// "files" directory beside the database.
	FileDir string

	// User is the acting user identity recorded on datasets and runs.
	// Defaults to $USER.
	User string

	// Workers bounds the hashing/storage worker pool. Defaults to the
	// available parallelism.
	Workers int

	// VersionFunc derives an algorithm version from its source when no
	// explicit version is supplied. Defaults to a truncated content
	// digest of the source text.
	VersionFunc VersionFunc

	Logger *slog.Logger
}

// Database is an explicit handle over one dsdb store: backing store,
// file manager, dedup engine, provenance ledger, and the acting user.
// Create with Open, release with Close.
type Database struct {
	store     *store.Store
	atoms     *atomstore.Store
	ledger    *ledger.Ledger
	files     *fms.Manager
	user      *store.UserRow
	versionFn VersionFunc
	log       *slog.Logger
}

// Open connects to (creating if needed) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("open database: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	userName := cfg.User
	if userName == "" {
		userName = os.Getenv("USER")
	}
	if userName == "" {
		userName = "unknown"
	}
	fileDir := cfg.FileDir
	if fileDir == "" {
		fileDir = filepath.Join(filepath.Dir(cfg.Path), "files")
	}
	versionFn := cfg.VersionFunc
	if versionFn == nil {
		versionFn = SourceVersion
	}

	st, err := store.Open(cfg.Path)
	if err != nil {
		return nil, err
	}

	files, err := fms.New(st, fileDir, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	user, err := st.GetOrCreateUser(ctx, userName)
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Debug("database opened", "path", cfg.Path, "user", userName, "workers", workers)
	return &Database{
		store:     st,
		atoms:     atomstore.New(st, workers, log),
		ledger:    ledger.New(st, log),
		files:     files,
		user:      user,
		versionFn: versionFn,
		log:       log,
	}, nil
}

// Close releases the backing store.
func (db *Database) Close() error { return db.store.Close() }

// User returns the acting user identity.
func (db *Database) User() string { return db.user.Name }

// UploadOptions configures validation for an upload.
type UploadOptions struct {
	Rules introspect.Ruleset
}

// Upload validates, decomposes, and commits the dataset, then attaches
// its DatasetInfo. The stored groups are read back and re-digested
// before the info is attached: a dataset never carries an unverified
// envelope.
//
// If cfg casts or file substitutions apply, the dataset's value is
// replaced by the transformed value; the caller's original canon.Value
// is never mutated.
//
// Uploading content that is already stored is the duplicate fast path:
// the existing record's info is attached and nothing is rewritten.
func (db *Database) Upload(ctx context.Context, d *Dataset, opts UploadOptions) (*DatasetInfo, error) {
	if d.Committed() {
		return d.info, nil
	}

	in := introspect.For(d.value)
	value := d.value

	violations, err := in.Validate(value, opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", d.name, err)
	}
	if len(violations) > 0 {
		return nil, fault.Validation(introspect.Strings(violations))
	}

	if opts.Rules.CastOnMismatch {
		value, _, err = introspect.ApplyCasts(value, opts.Rules)
		if err != nil {
			return nil, fmt.Errorf("upload %q: %w", d.name, err)
		}
	}
	if len(opts.Rules.FileFields) > 0 {
		var changes []introspect.FieldChange
		value, changes, err = introspect.ApplyFileRules(ctx, value, opts.Rules, db.files)
		if err != nil {
			return nil, fmt.Errorf("upload %q: %w", d.name, err)
		}
		if len(changes) > 0 {
			db.log.Debug("file fields substituted", "dataset", d.name, "changes", len(changes))
		}
	}

	groups, err := in.Decompose(value)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", d.name, err)
	}
	pair, err := in.Digest(value)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", d.name, err)
	}

	row, created, err := db.atoms.Commit(ctx, atomstore.CommitRequest{
		Name:        d.name,
		Description: d.description,
		Kind:        in.Kind(),
		Groups:      groups,
		Digests:     pair,
		UserID:      db.user.ID,
	})
	if err != nil {
		return nil, err
	}

	// Verify before attaching: read the stored groups back, rebuild the
	// value, and require the digest pair to reproduce.
	if err := db.verify(ctx, row.ID, in.Kind(), pair); err != nil {
		return nil, err
	}

	d.value = value
	d.info = &DatasetInfo{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Kind:        introspect.Kind(row.Kind),
		Digests:     pair,
		Created:     row.Created,
	}
	if !created {
		// Duplicate content resolves to the original record's identity.
		d.name = row.Name
	}
	return d.info, nil
}

// verify rebuilds the stored value and checks the digest pair.
func (db *Database) verify(ctx context.Context, datasetID int64, kind introspect.Kind, want digest.Pair) error {
	groups, err := db.atoms.Fetch(ctx, datasetID)
	if err != nil {
		return err
	}
	in, err := introspect.ForKind(kind)
	if err != nil {
		return fmt.Errorf("verify dataset %d: %w", datasetID, err)
	}
	value, err := in.Reconstruct(groups)
	if err != nil {
		return fault.Wrap(fault.CodeIntegrity, err, "dataset %d does not reconstruct", datasetID)
	}
	got, err := in.Digest(value)
	if err != nil {
		return fault.Wrap(fault.CodeIntegrity, err, "dataset %d does not digest", datasetID)
	}
	if got != want {
		return fault.Integrity(fmt.Sprintf("dataset %d", datasetID), want.Strong, got.Strong)
	}
	return nil
}

// Get retrieves a dataset by name, verifying its digests before the
// value is returned. A digest mismatch is an integrity fault, never a
// silently updated record.
func (db *Database) Get(ctx context.Context, name string) (*Dataset, error) {
	row, err := db.store.DatasetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return db.materialize(ctx, row)
}

// GetByID retrieves a dataset by stored id, verifying digests.
func (db *Database) GetByID(ctx context.Context, id int64) (*Dataset, error) {
	row, err := db.store.DatasetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return db.materialize(ctx, row)
}

func (db *Database) materialize(ctx context.Context, row *store.DatasetRow) (*Dataset, error) {
	groups, err := db.atoms.Fetch(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	kind := introspect.Kind(row.Kind)
	in, err := introspect.ForKind(kind)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", row.Name, err)
	}
	value, err := in.Reconstruct(groups)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIntegrity, err, "dataset %q does not reconstruct", row.Name)
	}

	pair, err := in.Digest(value)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIntegrity, err, "dataset %q does not digest", row.Name)
	}
	if pair.Fast != row.FastDigest || pair.Strong != row.StrongDigest {
		return nil, fault.Integrity("dataset "+row.Name, row.StrongDigest, pair.Strong)
	}

	return &Dataset{
		name:        row.Name,
		description: row.Description,
		value:       value,
		info: &DatasetInfo{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			Kind:        kind,
			Digests:     pair,
			Created:     row.Created,
		},
	}, nil
}

// ResolveFile returns the current readable location for a file
// reference found in a retrieved value. Resolution is never cached:
// each call reflects relocations that happened since the last one.
func (db *Database) ResolveFile(ctx context.Context, ref string) (string, error) {
	return db.files.Resolve(ctx, introspect.RefFromString(ref))
}

// Files exposes the file manager for direct storage and relocation.
func (db *Database) Files() *fms.Manager { return db.files }

// Purge removes a dataset and its exclusively owned records. See
// atomstore.PurgeOptions for deep and cascading variants.
func (db *Database) Purge(ctx context.Context, datasetID int64, opts atomstore.PurgeOptions) (*atomstore.PurgeResult, error) {
	return db.atoms.Purge(ctx, datasetID, opts)
}

// Graph walks the provenance neighborhood of a dataset. maxSteps <= 0
// means unbounded.
func (db *Database) Graph(ctx context.Context, datasetID int64, maxSteps int) (*ledger.Graph, error) {
	return db.ledger.Walk(ctx, datasetID, maxSteps)
}

// Recent returns the n most recent datasets and runs, newest first.
func (db *Database) Recent(ctx context.Context, n int) ([]store.DatasetRow, []store.RunRow, error) {
	datasets, err := db.store.RecentDatasets(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	runs, err := db.store.RecentRuns(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	return datasets, runs, nil
}

// Store exposes the backing store for read-mostly collaborators such
// as export.
func (db *Database) Store() *store.Store { return db.store }
