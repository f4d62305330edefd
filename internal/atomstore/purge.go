package atomstore

import (
	"context"
	"fmt"

	"github.com/dsdb-io/dsdb/internal/fault"
)

// PurgeOptions controls purge scope.
type PurgeOptions struct {
	// Deep also purges datasets derived from the target: outputs of any
	// run that consumed the target (transitively).
	Deep bool

	// Cascade removes run records referencing a purged dataset instead
	// of refusing with DEPENDENTS_EXIST. Run rows carry digests as
	// plain text, so cascaded history stays queryable elsewhere only
	// through what other runs recorded.
	Cascade bool
}

// PurgeResult reports what a purge removed.
type PurgeResult struct {
	Datasets int64
	Groups   int64
	Atoms    int64
}

// Purge removes the dataset and any group or atom records that no
// surviving dataset still references. Shared records survive: purging
// one of two datasets that dedup'd against each other deletes only the
// rows unique to the target.
//
// Without Cascade, a dataset referenced by any run (as input or
// output) is refused with a DEPENDENTS_EXIST fault. With Deep, derived
// datasets are purged first, leaves inward.
func (s *Store) Purge(ctx context.Context, datasetID int64, opts PurgeOptions) (*PurgeResult, error) {
	order, err := s.purgeOrder(ctx, datasetID, opts.Deep)
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{}
	for _, id := range order {
		ds, err := s.db.DatasetByID(ctx, id)
		if err != nil {
			if fault.IsNotFound(err) && id != datasetID {
				// A descendant vanished between the walk and the delete;
				// a concurrent purge got there first.
				continue
			}
			return nil, err
		}

		dependents, err := s.db.CountDependentRuns(ctx, ds.ID, ds.StrongDigest)
		if err != nil {
			return nil, err
		}
		if dependents > 0 {
			if !opts.Cascade {
				return nil, fault.DependentsExist(ds.ID, dependents)
			}
			if err := s.db.DeleteRunsForDataset(ctx, ds.ID, ds.StrongDigest); err != nil {
				return nil, err
			}
		}

		groups, atoms, err := s.db.PurgeDataset(ctx, ds.ID)
		if err != nil {
			return nil, fmt.Errorf("purge dataset %d: %w", ds.ID, err)
		}
		result.Datasets++
		result.Groups += groups
		result.Atoms += atoms

		s.log.Info("dataset purged",
			"id", ds.ID, "name", ds.Name, "groups", groups, "atoms", atoms)
	}

	return result, nil
}

// purgeOrder returns the datasets to purge, deepest descendants first
// so every dataset is deleted only after everything derived from it.
// With deep=false the order is just the target itself.
func (s *Store) purgeOrder(ctx context.Context, datasetID int64, deep bool) ([]int64, error) {
	if !deep {
		// Existence check up front so a bad id fails before any delete.
		if _, err := s.db.DatasetByID(ctx, datasetID); err != nil {
			return nil, err
		}
		return []int64{datasetID}, nil
	}

	visited := map[int64]bool{}
	var order []int64

	var walk func(id int64) error
	walk = func(id int64) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		ds, err := s.db.DatasetByID(ctx, id)
		if err != nil {
			if fault.IsNotFound(err) && id != datasetID {
				return nil
			}
			return err
		}

		runs, err := s.db.RunsByInputDigest(ctx, ds.StrongDigest)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if err := walk(r.OutputDatasetID); err != nil {
				return err
			}
		}

		// Post-order: descendants land before their ancestor.
		order = append(order, id)
		return nil
	}

	if err := walk(datasetID); err != nil {
		return nil, err
	}
	return order, nil
}

// Counts reports the total deduplicated record counts in the store.
func (s *Store) Counts(ctx context.Context) (atoms, groups int64, err error) {
	if atoms, err = s.db.AtomCount(ctx); err != nil {
		return 0, 0, err
	}
	if groups, err = s.db.GroupCount(ctx); err != nil {
		return 0, 0, err
	}
	return atoms, groups, nil
}
