package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// GetOrCreateFile inserts a file reference record if no record with
// the same content digest exists, and returns the stored row. Two
// stores of byte-identical files converge on one reference.
func (s *Store) GetOrCreateFile(ctx context.Context, f FileRow) (*FileRow, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("get or create file: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (ref, origin_path, read_path, strong_digest, created)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strong_digest) DO NOTHING
	`, f.Ref, f.OriginPath, f.ReadPath, f.StrongDigest,
		f.Created.UTC().Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("get or create file: insert: %w", err)
	}

	out, err := scanFile(tx.QueryRowContext(ctx,
		selectFile+` WHERE strong_digest = ?`, f.StrongDigest))
	if err != nil {
		return nil, fmt.Errorf("get or create file: select: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("get or create file: commit: %w", err)
	}
	return out, nil
}

const selectFile = `
	SELECT ref, origin_path, read_path, strong_digest, created
	FROM files`

func scanFile(row rowScanner) (*FileRow, error) {
	var (
		f       FileRow
		created string
	)
	err := row.Scan(&f.Ref, &f.OriginPath, &f.ReadPath, &f.StrongDigest, &created)
	if err != nil {
		return nil, err
	}
	if f.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	return &f, nil
}

// FileByRef returns the file record with the given stable reference,
// or a NOT_FOUND fault.
func (s *Store) FileByRef(ctx context.Context, ref string) (*FileRow, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, selectFile+` WHERE ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "file reference %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("file by ref: %w", err)
	}
	return f, nil
}

// UpdateFileReadPath rebinds a file reference to a new readable
// location after external relocation.
func (s *Store) UpdateFileReadPath(ctx context.Context, ref, readPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET read_path = ? WHERE ref = ?`, readPath, ref)
	if err != nil {
		return fmt.Errorf("update file read path: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update file read path: rows affected: %w", err)
	}
	if n == 0 {
		return fault.New(fault.CodeNotFound, "file reference %s not found", ref)
	}
	return nil
}
