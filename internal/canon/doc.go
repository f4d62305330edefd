// Package canon defines the closed value model shared by every layer
// of dsdb and its canonical byte serialization.
//
// All content-addressed identity in the system — atom hashes, group
// hashes, dataset digests — is computed over canon.Marshal output.
// Two in-memory values that are logically equal always serialize to
// identical bytes regardless of map iteration order, Unicode
// normalization form, or process restarts.
package canon
