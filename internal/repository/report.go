package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pairlink/relay-server-go/internal/database"
	"github.com/pairlink/relay-server-go/internal/model"
)

// DefaultReportListLimit bounds ListBySession when no limit is given.
const DefaultReportListLimit = 100

type ConnectionReportRepository interface {
	Create(ctx context.Context, params model.CreateConnectionReportParams) (*model.ConnectionReport, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.ConnectionReport, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ConnectionReportRepository
}

type connectionReportRepo struct {
	db database.DBTX
}

func NewConnectionReportRepository(db *sqlx.DB) ConnectionReportRepository {
	return &connectionReportRepo{db: db}
}

func (r *connectionReportRepo) WithTx(tx *sqlx.Tx) ConnectionReportRepository {
	return &connectionReportRepo{db: tx}
}

func (r *connectionReportRepo) Create(ctx context.Context, params model.CreateConnectionReportParams) (*model.ConnectionReport, error) {
	var report model.ConnectionReport
	err := r.db.GetContext(ctx, &report, `
		INSERT INTO connection_reports (id, session_id, device_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.DeviceID, params.Kind, []byte(params.Payload))
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *connectionReportRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.ConnectionReport, error) {
	if limit <= 0 {
		limit = DefaultReportListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var reports []model.ConnectionReport
	err := r.db.SelectContext(ctx, &reports, `
		SELECT * FROM connection_reports
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *connectionReportRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM connection_reports WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
