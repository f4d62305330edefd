package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/dsdb-io/dsdb/internal/atomstore"
	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/digest"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/introspect"
	"github.com/dsdb-io/dsdb/internal/ledger"
	"github.com/dsdb-io/dsdb/internal/store"
)

// VersionFunc derives an algorithm version from its source state.
// Pluggable: environments with richer identity (a VCS revision, a
// build id) can substitute their own.
type VersionFunc func(source string) string

// SourceVersion is the default VersionFunc: a truncated content digest
// of the source text.
func SourceVersion(source string) string { return digest.AlgorithmVersion(source) }

// Algorithm is one applicable transformation. Fn receives the
// committed input value and the parameter value and returns the output
// value.
type Algorithm struct {
	Name        string
	Description string

	// Version identifies this revision of the algorithm. When empty it
	// is derived from Source by the database's VersionFunc.
	Version string

	// Source is the algorithm's source state, used for version
	// derivation.
	Source string

	Fn func(ctx context.Context, input canon.Value, params canon.Value) (canon.Value, error)
}

// ApplyOptions configures one application.
type ApplyOptions struct {
	// OutputName names the produced dataset. Defaults to
	// "<input>:<algorithm>", suffixed with a short params digest when
	// params are given so distinct parameterizations of one algorithm
	// get distinct names.
	OutputName string

	// Timeout bounds the computation. Zero means no bound. On timeout
	// no run is recorded; any partially committed output stays orphaned
	// rather than silently published.
	Timeout time.Duration

	// Rules validate the output value before it is committed.
	Rules introspect.Ruleset
}

// Apply runs the algorithm against a committed dataset, memoized on
// the (input digest, algorithm identity, params digest) triple: a
// repeat application replays the recorded output without invoking Fn,
// and concurrent identical applications compute exactly once.
//
// The returned dataset is Committed and carries verified info. A run
// record is written only after the output dataset is durable.
func (db *Database) Apply(ctx context.Context, input *Dataset, alg Algorithm, params canon.Value, opts ApplyOptions) (*Dataset, error) {
	if !input.Committed() {
		return nil, fault.New(fault.CodeValidation,
			"apply %s: input dataset %q is not committed", alg.Name, input.Name())
	}
	if alg.Fn == nil {
		return nil, fmt.Errorf("apply %s: algorithm has no Fn", alg.Name)
	}
	if params == nil {
		params = canon.Null{}
	}

	paramsDigest, err := introspect.For(params).Digest(params)
	if err != nil {
		return nil, fmt.Errorf("apply %s: digest params: %w", alg.Name, err)
	}

	version := alg.Version
	if version == "" {
		version = db.versionFn(alg.Source)
	}
	algRow, err := db.store.GetOrCreateAlgorithm(ctx, store.AlgorithmRow{
		Name:        alg.Name,
		Description: alg.Description,
		Version:     version,
		UserID:      db.user.ID,
	})
	if err != nil {
		return nil, err
	}

	outputName := opts.OutputName
	if outputName == "" {
		outputName = input.Name() + ":" + alg.Name
		if params.Kind() != canon.KindNull {
			outputName += ":" + paramsDigest.Strong[:8]
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	run, computed, err := db.ledger.RecordOrGet(ctx, ledger.RunRequest{
		InputDigest:  input.Info().Digests.Strong,
		AlgorithmID:  algRow.ID,
		ParamsDigest: paramsDigest.Strong,
		UserID:       db.user.ID,
	}, func(ctx context.Context) (int64, error) {
		out, err := alg.Fn(ctx, input.Value(), params)
		if err != nil {
			return 0, err
		}
		return db.commitOutput(ctx, outputName, alg, out, opts.Rules)
	})
	if err != nil {
		return nil, err
	}

	if computed {
		db.log.Info("algorithm applied",
			"algorithm", alg.Name, "version", version,
			"input", input.Name(), "output", run.OutputDatasetID)
	} else {
		db.log.Debug("application replayed from ledger",
			"algorithm", alg.Name, "run", run.ID)
	}

	return db.GetByID(ctx, run.OutputDatasetID)
}

// commitOutput validates and commits an algorithm's output value,
// returning the durable dataset id the run record will point at.
func (db *Database) commitOutput(ctx context.Context, name string, alg Algorithm, out canon.Value, rules introspect.Ruleset) (int64, error) {
	in := introspect.For(out)
	violations, err := in.Validate(out, rules)
	if err != nil {
		return 0, fmt.Errorf("output of %s: %w", alg.Name, err)
	}
	if len(violations) > 0 {
		return 0, fault.Validation(introspect.Strings(violations))
	}

	groups, err := in.Decompose(out)
	if err != nil {
		return 0, fmt.Errorf("output of %s: %w", alg.Name, err)
	}
	pair, err := in.Digest(out)
	if err != nil {
		return 0, fmt.Errorf("output of %s: %w", alg.Name, err)
	}

	row, _, err := db.atoms.Commit(ctx, atomstore.CommitRequest{
		Name:        name,
		Description: "output of " + alg.Name,
		Kind:        in.Kind(),
		Groups:      groups,
		Digests:     pair,
		UserID:      db.user.ID,
	})
	if err != nil {
		return 0, err
	}
	if err := db.verify(ctx, row.ID, in.Kind(), pair); err != nil {
		return 0, err
	}
	return row.ID, nil
}
