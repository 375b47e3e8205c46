// Package checkpoint implements the Checkpointer port (spec §4.4):
// resumable ingestion progress keyed by (job_id, input_fingerprint), so a
// restarted job either resumes past its last completed chunk or, if the
// input changed underneath it, restarts from scratch.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrFingerprintMismatch is returned by Load when the stored fingerprint
// does not match the caller's current input fingerprint -- the input
// changed since the checkpoint was written, so it must not be trusted.
var ErrFingerprintMismatch = errors.New("checkpoint: fingerprint mismatch")

// Fingerprint hashes the ingestion input so Load can detect drift.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// State is the resumable progress for one job.
type State struct {
	JobID             string
	InputFingerprint  string
	LastCompletedIdx  int // last chunk index fully committed, -1 if none
	LastByteOffset    int // end offset of the last committed chunk
	RecentConceptIDs  []string
}

// DefaultCheckpointInterval is how many chunks elapse between writes
// (spec §4.4 default: every chunk).
const DefaultCheckpointInterval = 1

// Store is the Checkpointer port.
type Store interface {
	// Load returns the saved state for jobID, or ok=false if none exists.
	// If a state exists but its fingerprint differs from fingerprint, it
	// returns ErrFingerprintMismatch so the caller restarts from scratch.
	Load(ctx context.Context, jobID, fingerprint string) (State, bool, error)
	// Save persists state transactionally; it is safe to call after every
	// chunk commit (DefaultCheckpointInterval) or less often.
	Save(ctx context.Context, state State) error
	// Clear removes the checkpoint once a job reaches a terminal state.
	Clear(ctx context.Context, jobID string) error
}
