// Package grant verifies and issues actor grants: EdDSA-signed JWTs that carry
// who a connection acts as inside one campaign.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/livetable/internal/platform/config"
	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
)

// Rejection reasons for grants that do not verify.
const (
	ReasonGrantInvalid  = "GRANT_INVALID"
	ReasonGrantExpired  = "GRANT_EXPIRED"
	ReasonGrantMismatch = "GRANT_MISMATCH"
)

// verifierEnv holds raw env values before post-parse validation.
type verifierEnv struct {
	Issuer    string `env:"GRANT_ISSUER"`
	Audience  string `env:"GRANT_AUDIENCE"`
	PublicKey string `env:"GRANT_PUBLIC_KEY"`
}

// signerEnv holds raw env values for development signing.
type signerEnv struct {
	Issuer     string        `env:"GRANT_ISSUER"`
	Audience   string        `env:"GRANT_AUDIENCE"`
	PrivateKey string        `env:"GRANT_PRIVATE_KEY"`
	TTL        time.Duration `env:"GRANT_TTL"         envDefault:"12h"`
}

// Config defines how grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims captures validated grant claims.
type Claims struct {
	Issuer       string
	Audience     []string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	JWTID        string
	UserID       string
	CampaignID   string
	Role         authz.Role
	CharacterIDs []string
}

// Actor converts the claims into the permission filter's actor.
func (c Claims) Actor() authz.Actor {
	return authz.Actor{
		UserID:            c.UserID,
		Role:              c.Role,
		OwnedCharacterIDs: append([]string(nil), c.CharacterIDs...),
	}
}

// actorClaims is the JWT body.
type actorClaims struct {
	jwt.RegisteredClaims
	CampaignID   string   `json:"campaign_id"`
	Role         string   `json:"role"`
	CharacterIDs []string `json:"character_ids,omitempty"`
}

// LoadConfigFromEnv reads verification configuration from LIVETABLE_GRANT_*.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw verifierEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("%sGRANT_ISSUER is required", config.EnvPrefix)
	}
	if audience == "" {
		return Config{}, fmt.Errorf("%sGRANT_AUDIENCE is required", config.EnvPrefix)
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("%sGRANT_PUBLIC_KEY is required", config.EnvPrefix)
	}
	keyBytes, err := DecodeKey(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Verify checks grant for campaignID and returns its claims.
func Verify(grant string, campaignID string, cfg Config) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, invalid("actor grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("grant verifier is not configured")
	}

	var parsed actorClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !slices.Contains([]string(parsed.Audience), cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ID == "" {
		return Claims{}, invalid("actor grant jti is required")
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, invalid("actor grant sub is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, invalid("actor grant exp is required")
	}
	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.WithReason(apperrors.CodeForbidden, ReasonGrantExpired, "actor grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, invalid("actor grant not active yet")
	}
	if strings.TrimSpace(parsed.CampaignID) == "" || parsed.CampaignID != campaignID {
		return Claims{}, mismatch("campaign_id")
	}
	role, ok := authz.ParseRole(parsed.Role)
	if !ok {
		return Claims{}, apperrors.WithReason(apperrors.CodeForbidden, authz.ReasonDenyUnknownRole,
			fmt.Sprintf("actor grant role %q is unknown", parsed.Role))
	}

	claims := Claims{
		Issuer:       parsed.Issuer,
		Audience:     []string(parsed.Audience),
		ExpiresAt:    exp,
		JWTID:        parsed.ID,
		UserID:       parsed.Subject,
		CampaignID:   parsed.CampaignID,
		Role:         role,
		CharacterIDs: normalizeIDs(parsed.CharacterIDs),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return invalid("actor grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return invalid("actor grant alg is invalid")
	}
	return invalid("actor grant is invalid")
}

func invalid(message string) error {
	return apperrors.WithReason(apperrors.CodeForbidden, ReasonGrantInvalid, message)
}

func mismatch(field string) error {
	err := apperrors.WithReason(apperrors.CodeForbidden, ReasonGrantMismatch, "actor grant "+field+" mismatch")
	err.Metadata["field"] = field
	return err
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// DecodeKey accepts raw or padded standard base64.
func DecodeKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
