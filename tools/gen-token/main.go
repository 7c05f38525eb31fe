// Command gen-token mints HS256 bearer tokens for a deployment running with
// AUTH_HS256_SECRET.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"minutes-api/config"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "dev-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	m := minter{secret: []byte(cfg.Auth.HS256Secret), audience: cfg.Auth.Audience, issuer: cfg.Auth.Issuer, ttl: *ttl, now: time.Now}

	tokens, err := m.generate(userIDs(*count, *prefix, *start, args))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

type minter struct {
	secret   []byte
	audience string
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

func (m minter) generate(users []string) ([]string, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("AUTH_HS256_SECRET must be set")
	}
	now := m.now()
	tokens := make([]string, len(users))
	for i, userID := range users {
		claims := jwt.MapClaims{
			"sub": userID,
			"iat": now.Unix(),
			"exp": now.Add(m.ttl).Unix(),
		}
		if m.audience != "" {
			claims["aud"] = m.audience
		}
		if m.issuer != "" {
			claims["iss"] = m.issuer
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func userIDs(count int, prefix string, start int, args []string) []string {
	ids := make([]string, count)
	for i := range ids {
		switch {
		case len(args) > 0:
			ids[i] = args[0]
		case count == 1:
			ids[i] = prefix
		default:
			ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
		}
	}
	return ids
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
