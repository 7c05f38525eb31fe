package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"minutes-api/config"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerTokenFromString(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "lowercase scheme", raw: "bearer a.b.c", want: "a.b.c"},
		{name: "padded", raw: "  Bearer   a.b.c  ", want: "a.b.c"},
		{name: "blank", raw: "   ", wantErr: errMissingAuthorization},
		{name: "basic scheme", raw: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "not a jwt", raw: "Bearer abc", wantErr: errBadAuthorization},
		{name: "many periods", raw: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerTokenFromString(tt.raw)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if string(got) != tt.want {
				t.Fatalf("unexpected token %q", string(got))
			}
		})
	}
}

func TestUserIDFromBearerHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret, "api://aud", "https://issuer/")

	userID, err := auth.UserIDFromBearer([]byte(signHS256(t, secret, validClaims())))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderRejections(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret, "api://aud", "https://issuer/")

	expired := validClaims()
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	wrongAud := validClaims()
	wrongAud["aud"] = "api://other"
	noSub := validClaims()
	delete(noSub, "sub")

	tests := []struct {
		name   string
		header string
	}{
		{name: "empty", header: ""},
		{name: "expired", header: "Bearer " + signHS256(t, secret, expired)},
		{name: "wrong audience", header: "Bearer " + signHS256(t, secret, wrongAud)},
		{name: "missing sub", header: "Bearer " + signHS256(t, secret, noSub)},
		{name: "wrong secret", header: "Bearer " + signHS256(t, []byte("other"), validClaims())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.UserIDFromAuthHeader(tt.header); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestVerifyCredential(t *testing.T) {
	secret := []byte("s3cret")
	auth, err := NewAuth(config.Auth{HS256Secret: string(secret)})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	claims := validClaims()
	delete(claims, "aud")
	delete(claims, "iss")

	userID, err := auth.VerifyCredential(context.Background(), "Bearer "+signHS256(t, secret, claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
	if _, err := auth.VerifyCredential(context.Background(), "Bearer x.y.z"); err == nil {
		t.Fatal("expected garbage token to fail")
	}
}

func TestNewAuthRequiresJWKSURL(t *testing.T) {
	if _, err := NewAuth(config.Auth{}); err == nil {
		t.Fatal("expected error without jwks url or secret")
	}
}

func TestKeyForTokenWithoutJWKS(t *testing.T) {
	auth := &Auth{keyCacheTTL: time.Minute}
	if _, err := auth.keyForToken(&jwt.Token{Header: map[string]any{"kid": "k1"}}); err == nil {
		t.Fatal("expected error when jwks is not configured")
	}
}
