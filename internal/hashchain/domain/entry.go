// Package domain holds the audit trail entry model and the chain verification result.
package domain

import "time"

// GenesisHash is the previous_hash sentinel for the first entry in a tenant's chain.
// 64 zero hex chars, same width as a SHA-256 digest.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action is the audited operation performed on a business entity.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
	ActionLogin   Action = "login"
	ActionLogout  Action = "logout"
	ActionExport  Action = "export"
	ActionSubmit  Action = "submit"
)

// ActorType identifies what kind of principal performed the action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAPIKey ActorType = "api_key"
)

// ValidAction reports whether a is a known audit action.
func ValidAction(a Action) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRestore,
		ActionLogin, ActionLogout, ActionExport, ActionSubmit:
		return true
	}
	return false
}

// ValidActorType reports whether t is a known actor type.
func ValidActorType(t ActorType) bool {
	switch t {
	case ActorUser, ActorSystem, ActorAPIKey:
		return true
	}
	return false
}

// AuditEntry is one immutable link in a tenant's audit chain.
//
// Hash is computed once, at append time, over the canonical payload (see
// hashchain.ComputeHash) and is never recomputed or mutated. PreviousHash is
// the Hash of the entry at Seq-1 for the same tenant, or GenesisHash for
// Seq 1. IPAddress, UserAgent, and Metadata are stored alongside the entry
// but are not hash inputs, so retention-driven redaction of request context
// does not break the chain.
type AuditEntry struct {
	ID            string
	TenantID      string
	Seq           int64
	EntityType    string
	EntityID      string
	Action        Action
	PreviousState map[string]any
	NewState      map[string]any
	Changes       map[string]any
	ActorType     ActorType
	ActorID       string
	IPAddress     string
	UserAgent     string
	Metadata      map[string]any
	CreatedAt     time.Time
	PreviousHash  string
	Hash          string
}

// Mismatch describes one entry that failed verification.
type Mismatch struct {
	Seq     int64
	EntryID string
	// Kind is "hash" (recomputed digest differs from stored Hash) or
	// "link" (stored PreviousHash differs from the actual predecessor hash).
	Kind     string
	Expected string
	Actual   string
}

// ChainIntegrityResult is the outcome of a chain verification scan.
// Valid=false is a normal result, not an error; storage failures are
// returned as errors and never folded into Valid.
type ChainIntegrityResult struct {
	TenantID        string
	Valid           bool
	TotalEntries    int64
	VerifiedEntries int64
	// StartSeq and EndSeq are the inclusive bounds actually scanned.
	// Both are zero for an empty chain.
	StartSeq int64
	EndSeq   int64
	// First failure diagnostics; zero values when Valid.
	FirstInvalidSeq      int64
	FirstInvalidEntryID  string
	ExpectedHash         string
	ActualHash           string
	ExpectedPreviousHash string
	ActualPreviousHash   string
	// Mismatches lists every failed entry when the scan continues past the
	// first failure (stopOnFirstError=false).
	Mismatches []Mismatch
}
