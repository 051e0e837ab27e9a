package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

const audience = "mockinterview"

type Claims struct {
	UserID string   `json:"user_id"`
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller may act on every interview.
func (c *Claims) IsAdmin() bool {
	perms := PermsForRoles(c.Roles)
	_, all := perms[PermAnalysisReadAll]
	_, admin := perms[PermAdminAll]
	return all || admin
}

func NewToken(secret, issuer, subject string, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	cl := Claims{
		UserID: subject,
		Sub:    subject,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString([]byte(secret))
}

// ParseToken validates an HS256 token signed with secret and issued by issuer.
func ParseToken(secret, issuer, tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, fmt.Errorf("missing bearer token: %w", common.ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	cl := &Claims{}
	if _, err := parser.ParseWithClaims(tokenStr, cl, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	if cl.UserID == "" {
		cl.UserID = cl.Subject
	}
	if cl.UserID == "" {
		return nil, fmt.Errorf("token has no subject: %w", common.ErrInvalidToken)
	}
	return cl, nil
}
