package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// GetOrCreateUser returns the user row with the given name, inserting
// it first if absent. Insert-or-fetch on the unique name column.
func (s *Store) GetOrCreateUser(ctx context.Context, name string) (*UserRow, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, created)
		VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}

	var (
		u       UserRow
		created string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, created FROM users WHERE name = ?`, name).
		Scan(&u.ID, &u.Name, &created)
	if err != nil {
		return nil, fmt.Errorf("get or create user: select: %w", err)
	}
	if u.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("get or create user: parse created: %w", err)
	}
	return &u, nil
}

// GetOrCreateAlgorithm returns the algorithm row matching
// (name, version), inserting it first if absent.
func (s *Store) GetOrCreateAlgorithm(ctx context.Context, a AlgorithmRow) (*AlgorithmRow, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO algorithms (name, description, version, user_id, created)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO NOTHING
	`, a.Name, a.Description, a.Version, nullableID(a.UserID), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("get or create algorithm: %w", err)
	}

	var (
		out     AlgorithmRow
		created string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, COALESCE(user_id, 0), created
		FROM algorithms
		WHERE name = ? AND version = ?
	`, a.Name, a.Version).
		Scan(&out.ID, &out.Name, &out.Description, &out.Version, &out.UserID, &created)
	if err != nil {
		return nil, fmt.Errorf("get or create algorithm: select: %w", err)
	}
	if out.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("get or create algorithm: parse created: %w", err)
	}
	return &out, nil
}

// InsertRunIfAbsent inserts a run row keyed by the unique
// (input_digest, algorithm_id, params_digest) triple. If a run with
// that triple already exists, the existing row is returned with
// inserted=false: this is the memoization primitive — two concurrent
// recorders of the same triple converge on one run.
func (s *Store) InsertRunIfAbsent(ctx context.Context, r RunRow) (*RunRow, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs (input_digest, algorithm_id, params_digest, output_dataset_id, user_id, begin_at, end_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(input_digest, algorithm_id, params_digest) DO NOTHING
	`, r.InputDigest, r.AlgorithmID, r.ParamsDigest, r.OutputDatasetID, nullableID(r.UserID),
		r.Begin.UTC().Format(timeLayout), r.End.UTC().Format(timeLayout))
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert run: rows affected: %w", err)
	}

	if affected == 0 {
		existing, err := scanRun(tx.QueryRowContext(ctx, selectRun+`
			WHERE input_digest = ? AND algorithm_id = ? AND params_digest = ?
		`, r.InputDigest, r.AlgorithmID, r.ParamsDigest))
		if err != nil {
			return nil, false, fmt.Errorf("insert run: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("insert run: commit (existing): %w", err)
		}
		return existing, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("insert run: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("insert run: commit: %w", err)
	}

	r.ID = id
	return &r, true, nil
}

const selectRun = `
	SELECT id, input_digest, algorithm_id, params_digest, output_dataset_id,
	       COALESCE(user_id, 0), begin_at, end_at
	FROM runs`

func scanRun(row rowScanner) (*RunRow, error) {
	var (
		r          RunRow
		begin, end string
	)
	err := row.Scan(&r.ID, &r.InputDigest, &r.AlgorithmID, &r.ParamsDigest,
		&r.OutputDatasetID, &r.UserID, &begin, &end)
	if err != nil {
		return nil, err
	}
	if r.Begin, err = time.Parse(timeLayout, begin); err != nil {
		return nil, fmt.Errorf("parse begin: %w", err)
	}
	if r.End, err = time.Parse(timeLayout, end); err != nil {
		return nil, fmt.Errorf("parse end: %w", err)
	}
	return &r, nil
}

// RunByTriple returns the run matching the memoization triple, or a
// NOT_FOUND fault.
func (s *Store) RunByTriple(ctx context.Context, inputDigest string, algorithmID int64, paramsDigest string) (*RunRow, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+`
		WHERE input_digest = ? AND algorithm_id = ? AND params_digest = ?
	`, inputDigest, algorithmID, paramsDigest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "no run for triple (%s, %d, %s)",
			inputDigest, algorithmID, paramsDigest)
	}
	if err != nil {
		return nil, fmt.Errorf("run by triple: %w", err)
	}
	return r, nil
}

// RunsByInputDigest returns runs that consumed the given dataset
// digest as input, ordered by id.
func (s *Store) RunsByInputDigest(ctx context.Context, digest string) ([]RunRow, error) {
	return s.queryRuns(ctx, selectRun+` WHERE input_digest = ? ORDER BY id ASC`, digest)
}

// RunsByOutputDataset returns runs that produced the given dataset,
// ordered by id. The unique triple does not bound outputs: distinct
// triples may produce identical content, which dedups to one dataset.
func (s *Store) RunsByOutputDataset(ctx context.Context, datasetID int64) ([]RunRow, error) {
	return s.queryRuns(ctx, selectRun+` WHERE output_dataset_id = ? ORDER BY id ASC`, datasetID)
}

// RecentRuns returns the n most recently finished runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]RunRow, error) {
	return s.queryRuns(ctx, selectRun+` ORDER BY end_at DESC, id DESC LIMIT ?`, n)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("query runs: scan: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query runs: iterate: %w", err)
	}
	return out, nil
}

// CountDependentRuns returns how many runs reference the dataset,
// either as input (by its strong digest) or as output. Used by the
// purge guard.
func (s *Store) CountDependentRuns(ctx context.Context, datasetID int64, strongDigest string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE input_digest = ? OR output_dataset_id = ?
	`, strongDigest, datasetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dependent runs: %w", err)
	}
	return n, nil
}

// DeleteRunsForDataset removes run rows referencing the dataset as
// input or output. Only used by cascading purges.
func (s *Store) DeleteRunsForDataset(ctx context.Context, datasetID int64, strongDigest string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE input_digest = ? OR output_dataset_id = ?
	`, strongDigest, datasetID)
	if err != nil {
		return fmt.Errorf("delete runs for dataset: %w", err)
	}
	return nil
}

// AlgorithmByID returns the algorithm row with the given id, or a
// NOT_FOUND fault.
func (s *Store) AlgorithmByID(ctx context.Context, id int64) (*AlgorithmRow, error) {
	var (
		out     AlgorithmRow
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, COALESCE(user_id, 0), created
		FROM algorithms WHERE id = ?
	`, id).Scan(&out.ID, &out.Name, &out.Description, &out.Version, &out.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "algorithm %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("algorithm by id: %w", err)
	}
	if out.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("algorithm by id: parse created: %w", err)
	}
	return &out, nil
}
