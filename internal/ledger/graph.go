package ledger

import (
	"context"

	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/store"
)

// Graph is the lineage neighborhood of one dataset: every dataset and
// run reachable within the step bound, walking runs in both
// directions. Datasets purged after their runs were recorded appear
// only through the digests those runs carry.
type Graph struct {
	// Root is the dataset the walk started from.
	Root int64

	// Datasets holds every reachable dataset, root included, in
	// discovery order.
	Datasets []store.DatasetRow

	// Runs holds every reachable run edge in discovery order.
	Runs []store.RunRow
}

// Walk builds the lineage graph around the dataset. maxSteps bounds
// the BFS depth from the root; maxSteps <= 0 means unbounded. Cycles
// are impossible in honest data (a dataset cannot precede its own
// input) but the visited set makes the walk terminate regardless.
func (l *Ledger) Walk(ctx context.Context, datasetID int64, maxSteps int) (*Graph, error) {
	root, err := l.db.DatasetByID(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	g := &Graph{Root: datasetID}
	seenDatasets := map[int64]bool{}
	seenRuns := map[int64]bool{}

	type item struct {
		ds    *store.DatasetRow
		depth int
	}
	queue := []item{{ds: root}}
	seenDatasets[root.ID] = true

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		g.Datasets = append(g.Datasets, *cur.ds)

		if maxSteps > 0 && cur.depth >= maxSteps {
			continue
		}

		// Downstream: runs that consumed this dataset.
		down, err := l.db.RunsByInputDigest(ctx, cur.ds.StrongDigest)
		if err != nil {
			return nil, err
		}
		// Upstream: runs that produced it.
		up, err := l.db.RunsByOutputDataset(ctx, cur.ds.ID)
		if err != nil {
			return nil, err
		}

		for _, run := range append(down, up...) {
			if seenRuns[run.ID] {
				continue
			}
			seenRuns[run.ID] = true
			g.Runs = append(g.Runs, run)

			neighbors, err := l.runNeighbors(ctx, run)
			if err != nil {
				return nil, err
			}
			for _, next := range neighbors {
				if seenDatasets[next.ID] {
					continue
				}
				seenDatasets[next.ID] = true
				queue = append(queue, item{ds: next, depth: cur.depth + 1})
			}
		}
	}

	return g, nil
}

// runNeighbors resolves the datasets on both ends of a run edge. A
// purged endpoint simply yields nothing, the run stays in the graph as
// a dangling edge; any other lookup failure propagates so the walk
// never silently truncates.
func (l *Ledger) runNeighbors(ctx context.Context, run store.RunRow) ([]*store.DatasetRow, error) {
	var out []*store.DatasetRow
	if ds, err := l.db.DatasetByStrongDigest(ctx, run.InputDigest); err == nil {
		out = append(out, ds)
	} else if !fault.IsNotFound(err) {
		return nil, err
	}
	if ds, err := l.db.DatasetByID(ctx, run.OutputDatasetID); err == nil {
		out = append(out, ds)
	} else if !fault.IsNotFound(err) {
		return nil, err
	}
	return out, nil
}
