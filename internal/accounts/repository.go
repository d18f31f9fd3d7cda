package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("account not found")

// Repository abstracts api_keys persistence.
type Repository interface {
	FindActiveByKey(ctx context.Context, key string) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	List(ctx context.Context) ([]Account, error)
	UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// PostgresRepo reads and writes the api_keys table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const accountColumns = `id, api_key, key_name, is_active, credits, rate_per_second, rate_limit, last_used, created_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var (
		a        Account
		lastUsed sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.Key,
		&a.Name,
		&a.Active,
		&a.Credits,
		&a.RatePerSecond,
		&a.RateLimit,
		&lastUsed,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		a.LastUsed = &t
	}
	return a, nil
}

func (r *PostgresRepo) FindActiveByKey(ctx context.Context, key string) (Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM api_keys WHERE api_key = $1 AND is_active = TRUE`
	return scanAccount(r.db.QueryRowContext(ctx, q, key))
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM api_keys WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) List(ctx context.Context) ([]Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM api_keys ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error {
	const q = `UPDATE api_keys SET rate_per_second = $2, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, rate)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE api_keys SET last_used = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, at)
	return err
}
