package grant

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/livetable/internal/platform/config"
	"github.com/louisbranch/livetable/internal/platform/id"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
)

// Signer issues grants. The production issuer is the authentication
// collaborator; this signer backs development tooling and tests.
type Signer struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
	Now      func() time.Time
	NewID    func() (string, error)
}

// Request names the actor a grant is issued for.
type Request struct {
	UserID       string
	CampaignID   string
	Role         authz.Role
	CharacterIDs []string
}

// LoadSignerFromEnv reads signing configuration from LIVETABLE_GRANT_*.
func LoadSignerFromEnv() (Signer, error) {
	var raw signerEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Signer{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return Signer{}, fmt.Errorf("%sGRANT_ISSUER is required", config.EnvPrefix)
	}
	if audience == "" {
		return Signer{}, fmt.Errorf("%sGRANT_AUDIENCE is required", config.EnvPrefix)
	}
	if privateKey == "" {
		return Signer{}, fmt.Errorf("%sGRANT_PRIVATE_KEY is required", config.EnvPrefix)
	}
	keyBytes, err := DecodeKey(privateKey)
	if err != nil {
		return Signer{}, fmt.Errorf("decode grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if raw.TTL <= 0 {
		return Signer{}, fmt.Errorf("grant ttl must be positive")
	}
	return Signer{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PrivateKey(keyBytes),
		TTL:      raw.TTL,
	}, nil
}

// Sign returns a compact JWT for req.
func (s Signer) Sign(req Request) (string, error) {
	if s.Issuer == "" || s.Audience == "" || len(s.Key) != ed25519.PrivateKeySize {
		return "", errors.New("grant signer is not configured")
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CampaignID) == "" {
		return "", errors.New("user id and campaign id are required")
	}
	if !req.Role.Valid() {
		return "", fmt.Errorf("role %q is unknown", req.Role)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	newID := id.NewID
	if s.NewID != nil {
		newID = s.NewID
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	jti, err := newID()
	if err != nil {
		return "", err
	}

	issuedAt := now().UTC()
	claims := actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Audience:  jwt.ClaimStrings{s.Audience},
			Subject:   req.UserID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		CampaignID:   req.CampaignID,
		Role:         string(req.Role),
		CharacterIDs: req.CharacterIDs,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign actor grant: %w", err)
	}
	return token, nil
}
