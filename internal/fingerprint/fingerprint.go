// Package fingerprint computes document digests and classifies changes
// against the prior snapshot.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Size is the digest length in bytes (128 bits).
const Size = 16

// Compute returns the hex fingerprint of a canonical body.
func Compute(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:Size])
}

// Classify compares doc with the prior snapshot for the same key. Only the
// canonical body contributes to the fingerprint; title and outline changes
// alone are Unchanged.
func Classify(doc harvest.NormalizedDocument, prior *harvest.Snapshot) harvest.Change {
	fp := Compute(doc.Body)
	if prior == nil {
		return harvest.Change{Classification: harvest.New, Fingerprint: fp}
	}
	change := harvest.Change{Classification: harvest.Changed, Fingerprint: fp, Previous: prior.Fingerprint}
	if prior.Fingerprint == fp {
		change.Classification = harvest.Unchanged
	}
	return change
}

// Hasher adapts Compute to byte-oriented callers such as the archive.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns the truncated hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Compute(string(data)), nil
}
