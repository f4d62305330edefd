// Package fms manages external file payloads referenced from dataset
// fields. Files are copied into a managed directory, deduplicated by
// content digest, and addressed by a stable reference that survives
// relocation of the underlying bytes.
package fms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/store"
)

// Manager stores and resolves managed files. It satisfies the
// introspect.FileStorer contract for file-field substitution.
type Manager struct {
	db   *store.Store
	root string
	log  *slog.Logger
}

// New creates a manager rooted at dir, creating the directory if
// needed.
func New(db *store.Store, dir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file storage root: %w", err)
	}
	return &Manager{db: db, root: dir, log: log}, nil
}

// StoreFile copies the file at localPath into managed storage and
// returns its stable reference. Dedup is by content digest: storing a
// byte-identical file again returns the existing reference without a
// second copy.
func (m *Manager) StoreFile(ctx context.Context, localPath string) (string, error) {
	digest, err := hashFile(localPath)
	if err != nil {
		return "", fault.Wrap(fault.CodeFileResolution, err, "hash %s", localPath)
	}

	ref := uuid.NewString() + filepath.Ext(localPath)
	readPath := filepath.Join(m.root, ref)

	row, err := m.db.GetOrCreateFile(ctx, store.FileRow{
		Ref:          ref,
		OriginPath:   localPath,
		ReadPath:     readPath,
		StrongDigest: digest,
		Created:      time.Now(),
	})
	if err != nil {
		return "", err
	}
	if row.Ref != ref {
		// Content already managed under an earlier reference.
		m.log.Debug("file deduplicated", "path", localPath, "ref", row.Ref)
		return row.Ref, nil
	}

	if err := copyFile(localPath, readPath); err != nil {
		return "", fault.Wrap(fault.CodeFileResolution, err, "copy %s into storage", localPath)
	}
	m.log.Info("file stored", "path", localPath, "ref", ref)
	return ref, nil
}

// Resolve returns the current readable location for a reference. The
// store is consulted on every call rather than cached: relocation may
// rebind a reference between reads. A reference whose record is gone
// or whose bytes are unreadable is a file-resolution fault.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	row, err := m.db.FileByRef(ctx, ref)
	if err != nil {
		if fault.IsNotFound(err) {
			return "", fault.Wrap(fault.CodeFileResolution, err, "resolve %s", ref)
		}
		return "", err
	}
	if _, err := os.Stat(row.ReadPath); err != nil {
		return "", fault.Wrap(fault.CodeFileResolution, err,
			"reference %s points at unreadable location %s", ref, row.ReadPath)
	}
	return row.ReadPath, nil
}

// Relocate moves the managed bytes for a reference to a new location
// and rebinds the reference. Subsequent Resolve calls return the new
// location; the reference itself never changes.
func (m *Manager) Relocate(ctx context.Context, ref, newPath string) error {
	row, err := m.db.FileByRef(ctx, ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fault.Wrap(fault.CodeFileResolution, err, "prepare %s", newPath)
	}
	if err := os.Rename(row.ReadPath, newPath); err != nil {
		// Cross-device moves fall back to copy + remove.
		if err := copyFile(row.ReadPath, newPath); err != nil {
			return fault.Wrap(fault.CodeFileResolution, err, "relocate %s", ref)
		}
		os.Remove(row.ReadPath)
	}
	if err := m.db.UpdateFileReadPath(ctx, ref, newPath); err != nil {
		return err
	}
	m.log.Info("file relocated", "ref", ref, "to", newPath)
	return nil
}

// Verify re-hashes the managed bytes for a reference against the
// recorded digest.
func (m *Manager) Verify(ctx context.Context, ref string) error {
	row, err := m.db.FileByRef(ctx, ref)
	if err != nil {
		return err
	}
	actual, err := hashFile(row.ReadPath)
	if err != nil {
		return fault.Wrap(fault.CodeFileResolution, err, "verify %s", ref)
	}
	if actual != row.StrongDigest {
		return fault.Integrity("file "+ref, row.StrongDigest, actual)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
