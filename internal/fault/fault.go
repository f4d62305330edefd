// Package fault defines the error taxonomy shared across the dsdb
// core. Callers branch on fault codes with the Is* helpers rather
// than matching error strings.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes a fault.
type Code string

const (
	// CodeValidation indicates a value failed configured type/value/file
	// rules. Recoverable: the full violation list is attached.
	CodeValidation Code = "VALIDATION_FAILED"

	// CodeIntegrity indicates a digest mismatch or a missing referenced
	// record. Always fatal to the current operation; signals store
	// corruption or external tampering.
	CodeIntegrity Code = "INTEGRITY_FAULT"

	// CodeNotFound indicates a requested dataset/atom/group record does
	// not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeDependentsExist indicates a purge was refused because runs or
	// derived datasets still reference the target. Recoverable by
	// choosing a cascading purge.
	CodeDependentsExist Code = "DEPENDENTS_EXIST"

	// CodeFileResolution indicates the external file system failed to
	// store or resolve a reference. Recoverable by retry.
	CodeFileResolution Code = "FILE_RESOLUTION_FAILED"

	// CodeImmutable indicates an attempted mutation of a committed
	// dataset.
	CodeImmutable Code = "DATASET_IMMUTABLE"

	// CodeStore indicates the backing store failed after bounded
	// retries.
	CodeStore Code = "STORE_FAILURE"
)

// Fault is a structured, coded error. Details carry operation context
// (expected vs. actual digests, dependent run counts, field names)
// for diagnostics.
type Fault struct {
	Code    Code
	Message string

	// Violations holds the complete validation failure list for
	// CodeValidation faults, never a truncated prefix.
	Violations []string

	// Details contains additional context keyed by field name.
	Details map[string]string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", f.Code, f.Message)
	if len(f.Violations) > 0 {
		fmt.Fprintf(&b, " (%d violations)", len(f.Violations))
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (f *Fault) Unwrap() error { return f.Err }

// New creates a fault with the given code and formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping a cause.
func Wrap(code Code, err error, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a CodeValidation fault carrying every violation
// found.
func Validation(violations []string) *Fault {
	return &Fault{
		Code:       CodeValidation,
		Message:    "value does not satisfy configured rules",
		Violations: violations,
	}
}

// Integrity creates a CodeIntegrity fault for a digest mismatch, with
// expected and actual digests preserved in full.
func Integrity(what, expected, actual string) *Fault {
	return &Fault{
		Code:    CodeIntegrity,
		Message: fmt.Sprintf("%s digest mismatch", what),
		Details: map[string]string{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// DependentsExist creates a CodeDependentsExist fault.
func DependentsExist(datasetID int64, runs int) *Fault {
	return &Fault{
		Code:    CodeDependentsExist,
		Message: fmt.Sprintf("dataset %d has %d dependent run(s); pass cascade to purge anyway", datasetID, runs),
		Details: map[string]string{"runs": fmt.Sprintf("%d", runs)},
	}
}

// CodeOf returns the fault code of err, or "" if err carries none.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsValidation reports whether err is a validation fault.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsIntegrity reports whether err is an integrity fault.
func IsIntegrity(err error) bool { return CodeOf(err) == CodeIntegrity }

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsDependentsExist reports whether err is a dependents-exist fault.
func IsDependentsExist(err error) bool { return CodeOf(err) == CodeDependentsExist }

// IsFileResolution reports whether err is a file-resolution fault.
func IsFileResolution(err error) bool { return CodeOf(err) == CodeFileResolution }

// IsImmutable reports whether err is an immutability fault.
func IsImmutable(err error) bool { return CodeOf(err) == CodeImmutable }
