package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for admin sessions.
// API-key callers never receive a JWT.
type Claims struct {
	jwt.RegisteredClaims

	AdminID   string    `json:"admin_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
