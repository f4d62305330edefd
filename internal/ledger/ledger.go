// Package ledger records provenance: which algorithm, applied to which
// input dataset with which parameters, produced which output dataset.
// The (input, algorithm, params) triple is the memoization key — the
// same application is computed at most once and replayed from the
// ledger afterwards.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/store"
)

// Ledger is the provenance recorder. In-process duplicate applications
// of the same triple coalesce on a singleflight group; cross-process
// duplicates converge on the store's unique triple constraint.
type Ledger struct {
	db  *store.Store
	log *slog.Logger
	sf  singleflight.Group
}

// New creates a ledger over the backing store.
func New(db *store.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{db: db, log: log}
}

// RunRequest identifies one algorithm application.
type RunRequest struct {
	// InputDigest is the strong digest of the input dataset.
	InputDigest string

	// AlgorithmID is the stored algorithm identity (name + version).
	AlgorithmID int64

	// ParamsDigest is the strong digest of the parameter value.
	ParamsDigest string

	UserID int64
}

func (r RunRequest) key() string {
	return fmt.Sprintf("%s|%d|%s", r.InputDigest, r.AlgorithmID, r.ParamsDigest)
}

// ComputeFunc produces the output dataset for a run and returns its
// stored id. It is invoked only when no memoized run exists, and its
// output must be durable before it returns: the run record is written
// after, never before.
type ComputeFunc func(ctx context.Context) (outputDatasetID int64, err error)

// RecordOrGet returns the memoized run for the triple, computing and
// recording it first if absent. computed=true means this call (or a
// concurrent call it coalesced with) invoked compute; false means the
// run was replayed from the ledger.
//
// If compute fails or the context expires, nothing is recorded and the
// triple stays available for a later retry.
func (l *Ledger) RecordOrGet(ctx context.Context, req RunRequest, compute ComputeFunc) (*store.RunRow, bool, error) {
	// Fast path: already recorded.
	if run, err := l.db.RunByTriple(ctx, req.InputDigest, req.AlgorithmID, req.ParamsDigest); err == nil {
		return run, false, nil
	} else if !fault.IsNotFound(err) {
		return nil, false, err
	}

	type outcome struct {
		run      *store.RunRow
		computed bool
	}

	v, err, _ := l.sf.Do(req.key(), func() (any, error) {
		// A coalesced waiter may arrive after the leader finished; check
		// the store again under the flight.
		if run, err := l.db.RunByTriple(ctx, req.InputDigest, req.AlgorithmID, req.ParamsDigest); err == nil {
			return outcome{run: run}, nil
		} else if !fault.IsNotFound(err) {
			return nil, err
		}

		begin := time.Now()
		outputID, err := compute(ctx)
		if err != nil {
			return nil, fmt.Errorf("compute for triple (%s, %d, %s): %w",
				req.InputDigest, req.AlgorithmID, req.ParamsDigest, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		run, inserted, err := l.db.InsertRunIfAbsent(ctx, store.RunRow{
			InputDigest:     req.InputDigest,
			AlgorithmID:     req.AlgorithmID,
			ParamsDigest:    req.ParamsDigest,
			OutputDatasetID: outputID,
			UserID:          req.UserID,
			Begin:           begin,
			End:             time.Now(),
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			l.log.Info("run recorded",
				"run", run.ID, "algorithm", req.AlgorithmID, "output", outputID)
		}
		return outcome{run: run, computed: inserted}, nil
	})
	if err != nil {
		return nil, false, err
	}

	out := v.(outcome)
	return out.run, out.computed, nil
}

// RunForOutput returns the earliest run that produced the dataset, or
// a NOT_FOUND fault for a dataset with no recorded provenance.
func (l *Ledger) RunForOutput(ctx context.Context, datasetID int64) (*store.RunRow, error) {
	runs, err := l.db.RunsByOutputDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fault.New(fault.CodeNotFound, "dataset %d has no recorded provenance", datasetID)
	}
	return &runs[0], nil
}
