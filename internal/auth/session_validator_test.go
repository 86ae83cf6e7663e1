package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "test-secret"

func signToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "jstutor_session",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestValidateTokenReturnsClaims(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newValidator(t, func() time.Time { return now })

	signed := signToken(t, SessionClaims{
		Email: "kid@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.Email != "kid@example.com" {
		t.Fatalf("unexpected email %q", claims.Email)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newValidator(t, func() time.Time { return now })

	signed := signToken(t, SessionClaims{
		Email: "kid@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	})

	if _, err := validator.ValidateToken(signed); err != ErrExpiredSessionToken {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateTokenRequiresEmail(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newValidator(t, func() time.Time { return now })

	signed := signToken(t, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	if _, err := validator.ValidateToken(signed); err != ErrMissingSessionEmail {
		t.Fatalf("expected ErrMissingSessionEmail, got %v", err)
	}
}

func TestValidateRequestReadsCookie(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newValidator(t, func() time.Time { return now })

	signed := signToken(t, SessionClaims{
		Email: "kid@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	request := httptest.NewRequest("GET", "/accounts", nil)
	request.AddCookie(&http.Cookie{Name: validator.CookieName(), Value: signed})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.Email != "kid@example.com" {
		t.Fatalf("unexpected email %q", claims.Email)
	}

	bare := httptest.NewRequest("GET", "/accounts", nil)
	if _, err := validator.ValidateRequest(bare); err != ErrMissingSessionToken {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
