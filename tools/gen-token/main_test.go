package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"minutes-api/api"
)

func TestUserIDs(t *testing.T) {
	if got := userIDs(1, "dev", 1, nil); len(got) != 1 || got[0] != "dev" {
		t.Fatalf("unexpected single id: %v", got)
	}
	if got := userIDs(1, "dev", 1, []string{"alice"}); got[0] != "alice" {
		t.Fatalf("explicit id ignored: %v", got)
	}
	got := userIDs(3, "perf", 5, nil)
	want := []string{"perf-5", "perf-6", "perf-7"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestGeneratedTokensVerify(t *testing.T) {
	secret := []byte("local-secret")
	m := minter{secret: secret, audience: "api://minutes", issuer: "https://local/", ttl: time.Hour, now: time.Now}

	tokens, err := m.generate([]string{"alice", "bob"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	auth := api.NewLocalAuth(secret, "api://minutes", "https://local/")
	for i, user := range []string{"alice", "bob"} {
		got, err := auth.UserIDFromAuthHeader("Bearer " + tokens[i])
		if err != nil {
			t.Fatalf("verify %s: %v", user, err)
		}
		if got != user {
			t.Fatalf("unexpected subject %q, want %q", got, user)
		}
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	if _, err := (minter{ttl: time.Hour, now: time.Now}).generate([]string{"a"}); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, []string{"a.b.c"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var tokens []string
	if err := sonic.Unmarshal(raw, &tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "a.b.c" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
}
