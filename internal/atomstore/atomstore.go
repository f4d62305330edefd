// Package atomstore is the content-addressable dedup engine: it maps
// decomposed groups and atoms to persisted, deduplicated records and
// back. Two-level hashing (atom, then group) dedups both individual
// fields and whole records across datasets.
package atomstore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/introspect"
	"github.com/dsdb-io/dsdb/internal/store"
)

// maxRetries bounds retry attempts for lock-contention store errors
// before they surface as a STORE_FAILURE fault.
const maxRetries = 3

// Store is the dedup engine over the backing relational store.
// Per-atom and per-group hashing and writes run on a bounded worker
// pool during Commit and Fetch.
type Store struct {
	db      *store.Store
	workers int
	log     *slog.Logger
}

// New creates an atom store. workers <= 0 selects the available
// parallelism.
func New(db *store.Store, workers int, log *slog.Logger) *Store {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, workers: workers, log: log}
}

// CommitRequest describes one dataset commit.
type CommitRequest struct {
	Name        string
	Description string
	Kind        introspect.Kind
	Groups      []introspect.Group
	Digests     digest.Pair
	UserID      int64
}

// hashedGroup is one group with all content addressing resolved.
type hashedGroup struct {
	id    string
	atoms []store.AtomRow
}

// Commit persists the decomposed groups, reusing any atom or group
// record whose content hash already exists, then inserts the dataset
// row. Returns the stored row and whether it was newly created:
// created=false is the DuplicateOf fast path — identical content was
// already committed and no new records were written for it.
//
// Idempotent and safe under concurrent calls: every insert is an
// insert-or-fetch keyed on a content hash, and a group row is linked
// only after all of its member atom rows are durable.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (*store.DatasetRow, bool, error) {
	if req.Digests.Zero() {
		return nil, false, fmt.Errorf("commit %q: digest pair not computed", req.Name)
	}

	hashed, err := s.hashGroups(ctx, req.Groups)
	if err != nil {
		return nil, false, fmt.Errorf("commit %q: %w", req.Name, err)
	}

	now := time.Now()

	// Phase 1: atoms. All member atoms must be acknowledged before any
	// group that references them is written.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, hg := range hashed {
		for _, atom := range hg.atoms {
			atom := atom
			g.Go(func() error {
				return s.withRetry(gctx, func() error {
					return s.db.UpsertAtom(gctx, atom)
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("commit %q: write atoms: %w", req.Name, err)
	}

	// Phase 2: groups.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, hg := range hashed {
		hg := hg
		g.Go(func() error {
			members := make([]string, len(hg.atoms))
			for i, a := range hg.atoms {
				members[i] = a.Hash
			}
			return s.withRetry(gctx, func() error {
				_, err := s.db.UpsertGroup(gctx, store.GroupRow{Hash: hg.id, Created: now}, members)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("commit %q: write groups: %w", req.Name, err)
	}

	// Phase 3: dataset row, keyed by strong digest.
	groupHashes := make([]string, len(hashed))
	for i, hg := range hashed {
		groupHashes[i] = hg.id
	}

	var (
		row     *store.DatasetRow
		created bool
	)
	err = s.withRetry(ctx, func() error {
		var err error
		row, created, err = s.db.InsertDatasetIfAbsent(ctx, store.DatasetRow{
			Name:         req.Name,
			Description:  req.Description,
			Kind:         string(req.Kind),
			FastDigest:   req.Digests.Fast,
			StrongDigest: req.Digests.Strong,
			UserID:       req.UserID,
			Created:      now,
		}, groupHashes)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("commit %q: %w", req.Name, err)
	}

	if !created {
		s.log.Debug("commit deduplicated against existing dataset",
			"name", req.Name, "existing", row.Name, "digest", row.StrongDigest)
	} else {
		s.log.Info("dataset committed",
			"name", row.Name, "id", row.ID, "groups", len(groupHashes))
	}

	return row, created, nil
}

// hashGroups computes atom and group identities on the worker pool.
func (s *Store) hashGroups(ctx context.Context, groups []introspect.Group) ([]hashedGroup, error) {
	now := time.Now()
	hashed := make([]hashedGroup, len(groups))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			rows := make([]store.AtomRow, len(grp.Atoms))
			ids := make([]string, len(grp.Atoms))
			for j, atom := range grp.Atoms {
				c, err := atom.Canonical()
				if err != nil {
					return fmt.Errorf("group %d: %w", i, err)
				}
				id := digest.AtomID(atom.Key, atom.ValueType(), c)
				ids[j] = id
				rows[j] = store.AtomRow{
					Hash:      id,
					Key:       atom.Key,
					Value:     c,
					ValueType: atom.ValueType(),
					Created:   now,
				}
			}
			hashed[i] = hashedGroup{id: digest.GroupID(ids), atoms: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashed, nil
}

// Fetch materializes the dataset's groups in stored order. A missing
// referenced group or atom record is an integrity fault: it means the
// store is corrupt or a prior purge was partial, not that the caller
// asked for something that never existed.
func (s *Store) Fetch(ctx context.Context, datasetID int64) ([]introspect.Group, error) {
	groupHashes, err := s.db.DatasetGroups(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset %d: %w", datasetID, err)
	}

	groups := make([]introspect.Group, len(groupHashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, hash := range groupHashes {
		i, hash := i, hash
		g.Go(func() error {
			var rows []store.AtomRow
			err := s.withRetry(gctx, func() error {
				var err error
				rows, err = s.db.GroupAtoms(gctx, hash)
				return err
			})
			if err != nil {
				if fault.IsNotFound(err) {
					return fault.Wrap(fault.CodeIntegrity, err,
						"dataset %d references missing group %s", datasetID, hash)
				}
				return err
			}

			atoms := make([]introspect.Atom, len(rows))
			for j, row := range rows {
				v, err := canon.UnmarshalKind(canon.KindFromString(row.ValueType), row.Value)
				if err != nil {
					return fault.Wrap(fault.CodeIntegrity, err,
						"atom %s in group %s is undecodable", row.Hash, hash)
				}
				atoms[j] = introspect.Atom{Key: row.Key, Value: v}
			}
			groups[i] = introspect.Group{Atoms: atoms}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch dataset %d: %w", datasetID, err)
	}

	return groups, nil
}

// withRetry retries fn a bounded number of times on lock-contention
// store errors, then surfaces a STORE_FAILURE fault.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil || !store.IsTransient(err) {
			return err
		}
		s.log.Warn("transient store error, retrying",
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return fault.Wrap(fault.CodeStore, err, "store failed after %d attempts", maxRetries)
}
