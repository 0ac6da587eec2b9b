package hashchain

import (
	"crypto/sha256"
	"encoding/hex"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

// ComputeHash returns the hex-encoded SHA-256 digest of the entry's canonical
// payload, with previousHash substituted for the entry's stored PreviousHash.
// Pure: equal inputs always produce equal output. The Writer calls it with
// the head's hash at append time; the Verifier calls it with the actual
// predecessor hash so a tampered stored PreviousHash cannot mask itself.
func ComputeHash(previousHash string, e *domain.AuditEntry) (string, error) {
	withPrev := *e
	withPrev.PreviousHash = previousHash
	payload, err := CanonicalPayload(&withPrev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
