package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"voice-orchestrator/pkg/utils"

	"gopkg.in/yaml.v3"
)

var (
	ErrTrunkNotFound  = errors.New("trunk not found")
	ErrDuplicateTrunk = errors.New("trunk already exists")
	ErrInvalidTrunk   = errors.New("invalid trunk")
)

// Repository is the persistence contract for sip_trunks.
type Repository interface {
	List(ctx context.Context) ([]Trunk, error)
	Create(ctx context.Context, t Trunk) error
	Delete(ctx context.Context, name string) error
}

func (t Trunk) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidTrunk)
	}
	if strings.ContainsAny(t.Name, "/@ ") {
		return fmt.Errorf("%w: name %q must not contain '/', '@' or spaces", ErrInvalidTrunk, t.Name)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidTrunk, t.Port)
	}
	return nil
}

// PostgresRepo reads and writes the sip_trunks table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) List(ctx context.Context) ([]Trunk, error) {
	const q = `
SELECT trunk_name, provider, server, port, username, context, enabled, created_at
FROM sip_trunks
ORDER BY created_at, trunk_name
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trunk
	for rows.Next() {
		var t Trunk
		if err := rows.Scan(&t.Name, &t.Provider, &t.Server, &t.Port, &t.Username, &t.Context, &t.Enabled, &t.Created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Create(ctx context.Context, t Trunk) error {
	if err := t.Validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO sip_trunks (trunk_name, provider, server, port, username, context, enabled, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
`
	_, err := r.db.ExecContext(ctx, q, t.Name, t.Provider, t.Server, t.Port, t.Username, t.Context, t.Enabled)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateTrunk
	}
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sip_trunks WHERE trunk_name = $1`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTrunkNotFound
	}
	return nil
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	trunks []Trunk
}

func NewMemoryRepo(trunks ...Trunk) *MemoryRepo {
	return &MemoryRepo{trunks: append([]Trunk(nil), trunks...)}
}

func (r *MemoryRepo) List(ctx context.Context) ([]Trunk, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trunk(nil), r.trunks...), nil
}

func (r *MemoryRepo) Create(ctx context.Context, t Trunk) error {
	_ = ctx
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.trunks {
		if existing.Name == t.Name {
			return ErrDuplicateTrunk
		}
	}
	r.trunks = append(r.trunks, t)
	return nil
}

func (r *MemoryRepo) Delete(ctx context.Context, name string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.trunks {
		if t.Name == name {
			r.trunks = append(r.trunks[:i], r.trunks[i+1:]...)
			return nil
		}
	}
	return ErrTrunkNotFound
}

type trunkFile struct {
	Trunks []Trunk `yaml:"trunks"`
}

// LoadFile reads static trunks from a YAML file of the form:
//
//	trunks:
//	  - name: twilio-us
//	    provider: twilio
//	    enabled: true
//
// A missing "enabled" key defaults to true.
func LoadFile(path string) ([]Trunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trunks file: %w", err)
	}
	var raw struct {
		Trunks []map[string]any `yaml:"trunks"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse trunks file: %w", err)
	}
	var f trunkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse trunks file: %w", err)
	}
	for i := range f.Trunks {
		if _, set := raw.Trunks[i]["enabled"]; !set {
			f.Trunks[i].Enabled = true
		}
		if err := f.Trunks[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Trunks, nil
}

// Merge combines static and stored trunks; stored entries win on name clash.
// The result is ordered by name so rotation is stable across reloads.
func Merge(static, stored []Trunk) []Trunk {
	byName := map[string]Trunk{}
	for _, t := range static {
		byName[t.Name] = t
	}
	for _, t := range stored {
		byName[t.Name] = t
	}
	out := make([]Trunk, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload rebuilds the pool from static trunks plus the repository.
func Reload(ctx context.Context, pool *TrunkPool, repo Repository, static []Trunk) error {
	stored, err := repo.List(ctx)
	if err != nil {
		return err
	}
	pool.Replace(Merge(static, stored))
	return nil
}
