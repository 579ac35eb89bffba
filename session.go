package handoff

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator is the identity carried by an access token.
type Operator struct {
	Username  string
	Role      string
	Name      string
	ExpiresAt time.Time
}

type operatorClaims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// ParseToken reads the operator claims from an access token. The signature
// is not checked here; the backend does that on every request.
func ParseToken(token string) (*Operator, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	var claims operatorClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	op := &Operator{Username: claims.Subject, Role: claims.Role, Name: claims.Name}
	if claims.ExpiresAt != nil {
		op.ExpiresAt = claims.ExpiresAt.Time
	}
	return op, nil
}

// Expired reports whether the token has an expiry at or before now.
func (o *Operator) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

func (o *Operator) IsAdmin() bool { return o.Role == RoleAdmin }

// DisplayName is the name claim, falling back to the username.
func (o *Operator) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.Username
}

// CheckToken returns the operator of a present, unexpired token.
func CheckToken(token string, now time.Time) (*Operator, error) {
	op, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	if op.Expired(now) {
		return nil, ErrTokenExpired
	}
	return op, nil
}
