package handoff

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, sub, role string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "role": role, "name": "Maria Silva"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("claims", func(t *testing.T) {
		op, err := ParseToken(testToken(t, "maria", RoleAdmin, exp))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if op.Username != "maria" || op.Role != RoleAdmin || op.Name != "Maria Silva" {
			t.Fatalf("unexpected operator: %+v", op)
		}
		if !op.ExpiresAt.Equal(exp) {
			t.Fatalf("expected expiry %v, got %v", exp, op.ExpiresAt)
		}
		if !op.IsAdmin() || op.DisplayName() != "Maria Silva" {
			t.Fatalf("unexpected derived fields: %+v", op)
		}
	})

	t.Run("no expiry", func(t *testing.T) {
		op, err := ParseToken(testToken(t, "joao", RoleSocial, time.Time{}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if op.Expired(time.Now().Add(1000 * time.Hour)) {
			t.Fatal("token without exp never expires")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := ParseToken(""); !errors.Is(err, ErrNoToken) {
			t.Fatalf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := ParseToken("not.a.token"); err == nil {
			t.Fatal("expected error for garbage token")
		}
	})
}

func TestCheckToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	token := testToken(t, "maria", RoleSocial, exp)

	if _, err := CheckToken(token, exp.Add(-time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckToken(token, exp.Add(time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}
