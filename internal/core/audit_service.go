package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord is one append-only entry in the audit sink.
type AuditRecord struct {
	Actor      string
	Entity     string
	EntityID   string
	Action     string
	Details    string
	RemoteAddr string
}

// AuditService writes to the append-only audit sink. Business mutations use
// RecordTx so the audit row commits or rolls back with the mutation;
// read/telemetry actions use Record, which runs independently.
type AuditService interface {
	RecordTx(ctx context.Context, tx pgx.Tx, rec AuditRecord) error
	Record(ctx context.Context, rec AuditRecord) error
}

type auditService struct {
	pool *pgxpool.Pool
}

func NewAuditService(pool *pgxpool.Pool) AuditService {
	return &auditService{pool: pool}
}

const auditInsert = `
	INSERT INTO audit_log (actor, entity, entity_id, action, details, remote_addr)
	VALUES ($1, $2, $3, $4, $5, $6)
`

func (s *auditService) RecordTx(ctx context.Context, tx pgx.Tx, rec AuditRecord) error {
	if _, err := tx.Exec(ctx, auditInsert,
		rec.Actor, rec.Entity, rec.EntityID, rec.Action, rec.Details, rec.RemoteAddr,
	); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *auditService) Record(ctx context.Context, rec AuditRecord) error {
	if _, err := s.pool.Exec(ctx, auditInsert,
		rec.Actor, rec.Entity, rec.EntityID, rec.Action, rec.Details, rec.RemoteAddr,
	); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}
