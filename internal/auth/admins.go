package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Admin is an operator account for the admin surface.
type Admin struct {
	ID           string `json:"id" db:"id"`
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"-" db:"password_hash"`
	Role         string `json:"role" db:"role"`
	Active       bool   `json:"active" db:"is_active"`
}

type AdminRepository interface {
	FindByUsername(ctx context.Context, username string) (Admin, error)
	Get(ctx context.Context, id string) (Admin, error)
}

// HashPassword returns a bcrypt hash suitable for the admins table.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoginService exchanges admin credentials for a token pair.
type LoginService struct {
	repo AdminRepository
	mgr  *Manager
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewLoginService(repo AdminRepository, mgr *Manager) *LoginService {
	return &LoginService{repo: repo, mgr: mgr, clock: time.Now}
}

func (s *LoginService) Login(ctx context.Context, username, password string) (TokenPair, Admin, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, Admin{}, ErrInvalidCredentials
	}
	a, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, Admin{}, ErrInvalidCredentials
		}
		return TokenPair{}, Admin{}, err
	}
	if !a.Active {
		return TokenPair{}, Admin{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return TokenPair{}, Admin{}, ErrInvalidCredentials
	}
	pair, err := s.mgr.IssuePair(s.clock(), a.ID, a.Role)
	if err != nil {
		return TokenPair{}, Admin{}, err
	}
	return pair, a, nil
}

// Refresh issues a new pair from a refresh token, re-reading the admin's role.
func (s *LoginService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.mgr.Verify(refreshToken, TokenTypeRefresh, s.clock())
	if err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	a, err := s.repo.Get(ctx, claims.AdminID)
	if err != nil || !a.Active {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.mgr.IssuePair(s.clock(), a.ID, a.Role)
}

// PostgresAdminRepo reads the admins table.
type PostgresAdminRepo struct {
	db *sql.DB
}

func NewPostgresAdminRepo(db *sql.DB) *PostgresAdminRepo {
	return &PostgresAdminRepo{db: db}
}

func (r *PostgresAdminRepo) FindByUsername(ctx context.Context, username string) (Admin, error) {
	const q = `SELECT id, username, password_hash, role, is_active FROM admins WHERE username = $1`
	var a Admin
	err := r.db.QueryRowContext(ctx, q, username).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.Active)
	return a, err
}

func (r *PostgresAdminRepo) Get(ctx context.Context, id string) (Admin, error) {
	const q = `SELECT id, username, password_hash, role, is_active FROM admins WHERE id = $1`
	var a Admin
	err := r.db.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.Active)
	return a, err
}

// MemoryAdminRepo is an in-memory AdminRepository for tests.
type MemoryAdminRepo struct {
	mu     sync.RWMutex
	admins map[string]Admin
}

func NewMemoryAdminRepo(admins ...Admin) *MemoryAdminRepo {
	r := &MemoryAdminRepo{admins: map[string]Admin{}}
	for _, a := range admins {
		r.admins[a.ID] = a
	}
	return r
}

func (r *MemoryAdminRepo) FindByUsername(ctx context.Context, username string) (Admin, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.admins {
		if a.Username == username {
			return a, nil
		}
	}
	return Admin{}, sql.ErrNoRows
}

func (r *MemoryAdminRepo) Get(ctx context.Context, id string) (Admin, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.admins[id]
	if !ok {
		return Admin{}, sql.ErrNoRows
	}
	return a, nil
}
