// Package hashchain implements the tamper-evident audit chain: canonical
// payload serialization, SHA-256 entry hashing, the append-side Writer, and
// the read-side Verifier. Writer and Verifier share the same canonicalization
// (version 1); any divergence between the two would silently break all
// future verification, so the canonical form lives in one place and is
// tested independently of storage.
package hashchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

// CanonicalVersion identifies the canonical payload layout. Bump only with a
// migration plan: entries hashed under an older version can only be verified
// with that version's layout.
const CanonicalVersion = 1

// canonicalTimeFormat pins the timestamp encoding. RFC3339 with fixed
// nanosecond width so equal instants always serialize to equal bytes.
const canonicalTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// CanonicalPayload serializes the hash-relevant fields of e into a
// deterministic byte sequence: a JSON object with a fixed key order, nested
// free-form values with recursively sorted keys, and absent optional values
// always encoded as null (never key-omitted). Context fields (ip_address,
// user_agent, metadata) are deliberately not part of the payload.
func CanonicalPayload(e *domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"v":1`)

	fields := []struct {
		key   string
		value any
	}{
		{"tenant_id", e.TenantID},
		{"entity_type", e.EntityType},
		{"entity_id", e.EntityID},
		{"action", string(e.Action)},
		{"previous_state", mapOrNil(e.PreviousState)},
		{"new_state", mapOrNil(e.NewState)},
		{"changes", mapOrNil(e.Changes)},
		{"timestamp", e.CreatedAt.UTC().Format(canonicalTimeFormat)},
		{"previous_hash", e.PreviousHash},
		{"actor_type", string(e.ActorType)},
		{"actor_id", e.ActorID},
	}
	for _, f := range fields {
		buf.WriteByte(',')
		buf.WriteByte('"')
		buf.WriteString(f.key)
		buf.WriteString(`":`)
		if err := writeCanonicalValue(&buf, f.value); err != nil {
			return nil, fmt.Errorf("canonical payload: field %s: %w", f.key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NormalizeSnapshot round-trips m through encoding/json with json.Number
// preserved. The writer applies this to every free-form snapshot before
// hashing, so the representation that gets hashed is byte-identical to what
// a later read of the persisted JSON will decode (typed values such as
// time.Time collapse to their JSON form exactly once, at append time).
// Returns nil for an empty map so "absent" has a single encoding.
func NormalizeSnapshot(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("normalize snapshot: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize snapshot: %w", err)
	}
	return out, nil
}

// mapOrNil normalizes empty and nil maps to nil so "absent" has exactly one
// canonical encoding.
func mapOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// writeCanonicalValue writes v as canonical JSON: object keys recursively
// sorted, array order preserved, scalars via encoding/json.
func writeCanonicalValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonicalValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		// Scalars (string, bool, numbers, json.Number). encoding/json is
		// deterministic for these.
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
