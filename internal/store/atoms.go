package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// UpsertAtom inserts an atom record if no record with the same hash
// exists. ON CONFLICT DO NOTHING makes duplicate content a no-op
// write, so two concurrent commits of the same atom converge on one
// stored record.
func (s *Store) UpsertAtom(ctx context.Context, a AtomRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atoms (hash, key, value, value_type, created)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, a.Hash, a.Key, string(a.Value), a.ValueType, a.Created.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert atom: %w", err)
	}
	return nil
}

// UpsertGroup inserts a group record and its member links if no group
// with the same hash exists. Member atom rows must already be durable:
// a group must never reference a not-yet-written atom, so callers
// upsert atoms first and this method only links them.
//
// Returns true if the group was newly inserted, false if it already
// existed (in which case its member links are already present and are
// not rewritten).
func (s *Store) UpsertGroup(ctx context.Context, g GroupRow, memberAtomHashes []string) (inserted bool, err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("upsert group: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO groups (hash, created)
		VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, g.Hash, g.Created.UTC().Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("upsert group: insert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert group: rows affected: %w", err)
	}

	if affected > 0 {
		for pos, atomHash := range memberAtomHashes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO group_atoms (group_hash, atom_hash, pos)
				VALUES (?, ?, ?)
			`, g.Hash, atomHash, pos); err != nil {
				return false, fmt.Errorf("upsert group: link atom %s: %w", atomHash, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert group: commit: %w", err)
	}

	return affected > 0, nil
}

// GroupAtoms returns the member atoms of a group in stored position
// order. Returns a NOT_FOUND fault if the group record is missing. A
// group with no member links is valid: an empty mapping decomposes to
// exactly that.
func (s *Store) GroupAtoms(ctx context.Context, groupHash string) ([]AtomRow, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE hash = ?`, groupHash).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("group atoms: %w", err)
	}
	if exists == 0 {
		return nil, fault.New(fault.CodeNotFound, "group %s not found", groupHash)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.hash, a.key, a.value, a.value_type, a.created
		FROM group_atoms ga
		JOIN atoms a ON a.hash = ga.atom_hash
		WHERE ga.group_hash = ?
		ORDER BY ga.pos ASC
	`, groupHash)
	if err != nil {
		return nil, fmt.Errorf("group atoms: %w", err)
	}
	defer rows.Close()

	var atoms []AtomRow
	for rows.Next() {
		var (
			a       AtomRow
			value   string
			created string
		)
		if err := rows.Scan(&a.Hash, &a.Key, &value, &a.ValueType, &created); err != nil {
			return nil, fmt.Errorf("group atoms: scan: %w", err)
		}
		a.Value = []byte(value)
		if a.Created, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("group atoms: parse created: %w", err)
		}
		atoms = append(atoms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group atoms: iterate: %w", err)
	}

	return atoms, nil
}

// AtomCount returns the number of stored atom records. Used by dedup
// accounting and tests.
func (s *Store) AtomCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM atoms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("atom count: %w", err)
	}
	return n, nil
}

// GroupCount returns the number of stored group records.
func (s *Store) GroupCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups`).Scan(&n); err != nil {
		return 0, fmt.Errorf("group count: %w", err)
	}
	return n, nil
}
