package actorgrant

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

func TestKeygenRequiresOutput(t *testing.T) {
	if err := Keygen(nil, bytes.NewReader([]byte{1})); err == nil {
		t.Fatal("expected error when output is nil")
	}
}

func TestKeygenWritesKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader(bytes.Repeat([]byte{1}, 64))
	if err := Keygen(buf, reader); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	private := strings.TrimPrefix(lines[0], "export LIVETABLE_GRANT_PRIVATE_KEY=")
	public := strings.TrimPrefix(lines[1], "export LIVETABLE_GRANT_PUBLIC_KEY=")
	if private == lines[0] || public == lines[1] {
		t.Fatalf("unexpected output format: %q", buf.String())
	}

	privateBytes, err := base64.RawStdEncoding.DecodeString(private)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	publicBytes, err := base64.RawStdEncoding.DecodeString(public)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		t.Fatalf("expected private key length 64, got %d", len(privateBytes))
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		t.Fatalf("expected public key length 32, got %d", len(publicBytes))
	}
}

func TestParseSignConfig(t *testing.T) {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	cfg, err := ParseSignConfig(fs, []string{"-user", "u-1", "-campaign", "c-1", "-characters", "a, b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Role != "player" || cfg.CharacterIDs != "a, b" {
		t.Fatalf("cfg = %+v", cfg)
	}

	fs = flag.NewFlagSet("sign", flag.ContinueOnError)
	if _, err := ParseSignConfig(fs, []string{"-user", "u-1"}); err == nil {
		t.Fatal("expected error without campaign")
	}
}

func TestSignWritesVerifiableGrant(t *testing.T) {
	public, private, err := ed25519.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{3}, 64)))
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	signer := grant.Signer{Issuer: "iss", Audience: "aud", Key: private, TTL: time.Hour, Now: func() time.Time { return now }}

	buf := &bytes.Buffer{}
	if err := Sign(buf, signer, SignConfig{UserID: "u-1", CampaignID: "c-1", Role: "player", CharacterIDs: "a, b,"}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := grant.Verify(strings.TrimSpace(buf.String()), "c-1", grant.Config{
		Issuer: "iss", Audience: "aud", Key: public, Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != authz.RolePlayer || len(claims.CharacterIDs) != 2 {
		t.Fatalf("claims = %+v", claims)
	}

	if err := Sign(buf, signer, SignConfig{UserID: "u-1", CampaignID: "c-1", Role: "owner"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
