package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

const entryColumns = `id, tenant_id, seq, entity_type, entity_id, action,
	previous_state, new_state, changes, actor_type, actor_id,
	ip_address, user_agent, metadata, created_at, previous_hash, hash`

// PostgresRepository persists audit chain entries in the audit_entries table.
// The UNIQUE (tenant_id, seq) constraint is the serialization point for
// appends: concurrent writers racing for the same head produce exactly one
// winner; the loser gets ErrSeqConflict.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit chain repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Head returns the highest-seq entry for the tenant, or nil if the tenant
// has no chain. Served by the (tenant_id, seq DESC) index; runs on every append.
func (r *PostgresRepository) Head(ctx context.Context, tenantID string) (*domain.AuditEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
		tenantID)
	return scanEntry(row)
}

// Append inserts e as a new row. Returns ErrSeqConflict when the
// (tenant_id, seq) slot is already taken; other errors are storage failures.
// A single INSERT, so the entry and the head advance commit atomically.
func (r *PostgresRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	prevState, err := jsonTextOrNull(e.PreviousState)
	if err != nil {
		return fmt.Errorf("encode previous_state: %w", err)
	}
	newState, err := jsonTextOrNull(e.NewState)
	if err != nil {
		return fmt.Errorf("encode new_state: %w", err)
	}
	changes, err := jsonTextOrNull(e.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	metadata, err := jsonTextOrNull(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.TenantID, e.Seq, e.EntityType, e.EntityID, string(e.Action),
		prevState, newState, changes, string(e.ActorType), nullString(e.ActorID),
		nullString(e.IPAddress), nullString(e.UserAgent), metadata,
		e.CreatedAt, e.PreviousHash, e.Hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSeqConflict
		}
		return err
	}
	return nil
}

// GetByID returns the entry for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AuditEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE id = $1`, id)
	return scanEntry(row)
}

// GetBySeq returns the tenant's entry at seq, or nil if not found.
func (r *PostgresRepository) GetBySeq(ctx context.Context, tenantID string, seq int64) (*domain.AuditEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE tenant_id = $1 AND seq = $2`,
		tenantID, seq)
	return scanEntry(row)
}

// ListRange returns up to limit entries with fromSeq <= seq <= toSeq for the
// tenant, ascending. The verifier scans the chain through this in batches.
func (r *PostgresRepository) ListRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int32) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 AND seq >= $2 AND seq <= $3
		 ORDER BY seq ASC LIMIT $4`,
		tenantID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListByTenant returns entries for the tenant, newest first, paginated.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// CountByTenant returns the tenant's chain length.
func (r *PostgresRepository) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.AuditEntry, error) {
	var (
		e                      domain.AuditEntry
		action, actorType      string
		prevState, newState    sql.NullString
		changes, metadata      sql.NullString
		actorID, ip, userAgent sql.NullString
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.Seq, &e.EntityType, &e.EntityID, &action,
		&prevState, &newState, &changes, &actorType, &actorID,
		&ip, &userAgent, &metadata, &e.CreatedAt, &e.PreviousHash, &e.Hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Action = domain.Action(action)
	e.ActorType = domain.ActorType(actorType)
	e.ActorID = actorID.String
	e.IPAddress = ip.String
	e.UserAgent = userAgent.String
	if e.PreviousState, err = decodeJSONText(prevState); err != nil {
		return nil, fmt.Errorf("decode previous_state for %s: %w", e.ID, err)
	}
	if e.NewState, err = decodeJSONText(newState); err != nil {
		return nil, fmt.Errorf("decode new_state for %s: %w", e.ID, err)
	}
	if e.Changes, err = decodeJSONText(changes); err != nil {
		return nil, fmt.Errorf("decode changes for %s: %w", e.ID, err)
	}
	if e.Metadata, err = decodeJSONText(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]*domain.AuditEntry, error) {
	var out []*domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// jsonTextOrNull encodes m as JSON for a TEXT column. The columns are TEXT,
// not jsonb: jsonb rewrites numbers and key order on storage, which would
// desync the stored snapshot from the bytes the writer hashed.
func jsonTextOrNull(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeJSONText decodes a JSON TEXT column with json.Number preserved, so
// numbers round-trip to the exact bytes the writer hashed.
func decodeJSONText(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
