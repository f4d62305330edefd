package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// InsertDatasetIfAbsent inserts a dataset row keyed by its strong
// digest and links its group sequence. If a dataset with the same
// strong digest already exists, the existing row is returned with
// created=false and nothing is written (the DuplicateOf fast path).
//
// A name collision with different content is a VALIDATION_FAILED
// fault: dataset names are unique and never silently rebound.
func (s *Store) InsertDatasetIfAbsent(ctx context.Context, d DatasetRow, groupHashes []string) (*DatasetRow, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("insert dataset: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO datasets (name, description, kind, fast_digest, strong_digest, user_id, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strong_digest) DO NOTHING
	`, d.Name, d.Description, d.Kind, d.FastDigest, d.StrongDigest, nullableID(d.UserID),
		d.Created.UTC().Format(timeLayout))
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, false, fault.New(fault.CodeValidation,
				"dataset name %q is already bound to different content", d.Name)
		}
		return nil, false, fmt.Errorf("insert dataset: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert dataset: rows affected: %w", err)
	}

	if affected == 0 {
		// Identical content already committed; hand back its row.
		existing, err := scanDataset(tx.QueryRowContext(ctx,
			selectDataset+` WHERE strong_digest = ?`, d.StrongDigest))
		if err != nil {
			return nil, false, fmt.Errorf("insert dataset: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("insert dataset: commit (existing): %w", err)
		}
		return existing, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("insert dataset: last insert id: %w", err)
	}

	for pos, groupHash := range groupHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_groups (dataset_id, group_hash, pos)
			VALUES (?, ?, ?)
		`, id, groupHash, pos); err != nil {
			return nil, false, fmt.Errorf("insert dataset: link group %s: %w", groupHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("insert dataset: commit: %w", err)
	}

	d.ID = id
	return &d, true, nil
}

const selectDataset = `
	SELECT id, name, description, kind, fast_digest, strong_digest,
	       COALESCE(user_id, 0), created
	FROM datasets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*DatasetRow, error) {
	var (
		d       DatasetRow
		created string
	)
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Kind,
		&d.FastDigest, &d.StrongDigest, &d.UserID, &created)
	if err != nil {
		return nil, err
	}
	if d.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	return &d, nil
}

// DatasetByID returns the dataset row with the given id, or a
// NOT_FOUND fault.
func (s *Store) DatasetByID(ctx context.Context, id int64) (*DatasetRow, error) {
	d, err := scanDataset(s.db.QueryRowContext(ctx, selectDataset+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "dataset %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset by id: %w", err)
	}
	return d, nil
}

// DatasetByName returns the dataset row with the given name, or a
// NOT_FOUND fault.
func (s *Store) DatasetByName(ctx context.Context, name string) (*DatasetRow, error) {
	d, err := scanDataset(s.db.QueryRowContext(ctx, selectDataset+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "dataset %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset by name: %w", err)
	}
	return d, nil
}

// DatasetByStrongDigest returns the dataset row with the given strong
// digest, or a NOT_FOUND fault.
func (s *Store) DatasetByStrongDigest(ctx context.Context, digest string) (*DatasetRow, error) {
	d, err := scanDataset(s.db.QueryRowContext(ctx, selectDataset+` WHERE strong_digest = ?`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "dataset with digest %s not found", digest)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset by digest: %w", err)
	}
	return d, nil
}

// DatasetGroups returns the dataset's group hashes in stored order.
func (s *Store) DatasetGroups(ctx context.Context, datasetID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_hash FROM dataset_groups
		WHERE dataset_id = ?
		ORDER BY pos ASC
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("dataset groups: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("dataset groups: scan: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dataset groups: iterate: %w", err)
	}
	return hashes, nil
}

// RecentDatasets returns the n most recently created datasets, newest
// first.
func (s *Store) RecentDatasets(ctx context.Context, n int) ([]DatasetRow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectDataset+` ORDER BY created DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent datasets: %w", err)
	}
	defer rows.Close()

	var out []DatasetRow
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("recent datasets: scan: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent datasets: iterate: %w", err)
	}
	return out, nil
}

// PurgeDataset removes the dataset row, its group links, and any
// group/atom records not referenced by another dataset, in one
// transaction. Run and algorithm metadata is retained for lineage
// history. Returns the number of group and atom records removed.
//
// The dependent-run guard lives in the atomstore layer; this method
// assumes the caller has already decided the purge may proceed.
func (s *Store) PurgeDataset(ctx context.Context, datasetID int64) (groupsDeleted, atomsDeleted int64, err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("purge dataset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dataset_groups WHERE dataset_id = ?`, datasetID); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: unlink groups: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM datasets WHERE id = ?`, datasetID); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: delete dataset: %w", err)
	}

	// Orphaned groups: no remaining dataset references them.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_atoms WHERE group_hash IN (
			SELECT g.hash FROM groups g
			WHERE NOT EXISTS (
				SELECT 1 FROM dataset_groups dg WHERE dg.group_hash = g.hash
			)
		)
	`); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: unlink orphan groups: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM groups WHERE NOT EXISTS (
			SELECT 1 FROM dataset_groups dg WHERE dg.group_hash = groups.hash
		)
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("purge dataset: delete orphan groups: %w", err)
	}
	if groupsDeleted, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: groups affected: %w", err)
	}

	// Orphaned atoms: no remaining group references them.
	res, err = tx.ExecContext(ctx, `
		DELETE FROM atoms WHERE NOT EXISTS (
			SELECT 1 FROM group_atoms ga WHERE ga.atom_hash = atoms.hash
		)
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("purge dataset: delete orphan atoms: %w", err)
	}
	if atomsDeleted, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: atoms affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("purge dataset: commit: %w", err)
	}

	return groupsDeleted, atomsDeleted, nil
}
