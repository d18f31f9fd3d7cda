package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"voice-orchestrator/pkg/utils"
)

var ErrInvalidEntry = errors.New("calllog: call_id required")

type Repository interface {
	Upsert(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// PostgresRepo writes the call_logs table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, e Entry) error {
	if e.CallID == "" {
		return ErrInvalidEntry
	}
	const q = `
INSERT INTO call_logs (
  call_id, api_key_id, number, caller_id, status, amd_status, recording_filename,
  webhook_url, trunk, end_reason, created_at, answered_at, ended_at, duration, bill_seconds, bill_cost
) VALUES (
  $1, NULLIF($2,''), $3, NULLIF($4,''), $5, NULLIF($6,''), NULLIF($7,''),
  NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), COALESCE($11, NOW()), $12, $13, $14, NULLIF($15, 0), $16
)
ON CONFLICT (call_id) DO UPDATE SET
  status             = EXCLUDED.status,
  amd_status         = COALESCE(EXCLUDED.amd_status, call_logs.amd_status),
  recording_filename = COALESCE(EXCLUDED.recording_filename, call_logs.recording_filename),
  trunk              = COALESCE(EXCLUDED.trunk, call_logs.trunk),
  end_reason         = COALESCE(EXCLUDED.end_reason, call_logs.end_reason),
  answered_at        = COALESCE(call_logs.answered_at, EXCLUDED.answered_at),
  ended_at           = COALESCE(EXCLUDED.ended_at, call_logs.ended_at),
  duration           = GREATEST(EXCLUDED.duration, call_logs.duration),
  bill_seconds       = COALESCE(EXCLUDED.bill_seconds, call_logs.bill_seconds),
  bill_cost          = COALESCE(EXCLUDED.bill_cost, call_logs.bill_cost)
`
	var created sql.NullTime
	if !e.CreatedAt.IsZero() {
		created = sql.NullTime{Time: e.CreatedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		e.CallID,
		e.APIKeyID,
		e.Number,
		e.CallerID,
		e.Status,
		e.AMDStatus,
		e.RecordingFilename,
		e.WebhookURL,
		e.Trunk,
		e.EndReason,
		created,
		utils.NullTime(e.AnsweredAt),
		utils.NullTime(e.EndedAt),
		e.Duration,
		e.BillSeconds,
		e.BillCost,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.APIKeyID != "" {
		add("api_key_id = $%d", f.APIKeyID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `
SELECT call_id, COALESCE(api_key_id,''), number, COALESCE(caller_id,''), status, COALESCE(amd_status,''),
       COALESCE(recording_filename,''), COALESCE(webhook_url,''), COALESCE(trunk,''), COALESCE(end_reason,''),
       created_at, answered_at, ended_at, COALESCE(duration,0), COALESCE(bill_seconds,0), bill_cost
FROM call_logs`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), f.Offset)
	q += fmt.Sprintf("\nORDER BY created_at DESC\nLIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			answered sql.NullTime
			ended    sql.NullTime
		)
		if err := rows.Scan(
			&e.CallID,
			&e.APIKeyID,
			&e.Number,
			&e.CallerID,
			&e.Status,
			&e.AMDStatus,
			&e.RecordingFilename,
			&e.WebhookURL,
			&e.Trunk,
			&e.EndReason,
			&e.CreatedAt,
			&answered,
			&ended,
			&e.Duration,
			&e.BillSeconds,
			&e.BillCost,
		); err != nil {
			return nil, err
		}
		if answered.Valid {
			t := answered.Time
			e.AnsweredAt = &t
		}
		if ended.Valid {
			t := ended.Time
			e.EndedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
