package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maxdollinger/ember.io/internal/audit"
)

// AuditRepo persists per-VM denial summaries when a VM is torn down.
// It implements audit.SummarySink.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) SaveAuditSummary(ctx context.Context, s audit.Summary) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_summaries (vm_id, total, dropped, first_at, last_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.VMID, s.Total, s.Dropped, nullableTime(s.FirstAt), nullableTime(s.LastAt))
	if err != nil {
		return fmt.Errorf("insert audit summary for vm %s: %w", s.VMID, err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ audit.SummarySink = (*AuditRepo)(nil)
