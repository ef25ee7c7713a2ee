// Package actorgrant generates grant keys and signs development grants.
package actorgrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/louisbranch/livetable/internal/platform/config"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

// Keygen generates a grant key pair and writes shell exports.
func Keygen(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export %sGRANT_PRIVATE_KEY=%s\n", config.EnvPrefix, base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export %sGRANT_PUBLIC_KEY=%s\n", config.EnvPrefix, base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// SignConfig names the actor to sign a grant for.
type SignConfig struct {
	UserID       string
	CampaignID   string
	Role         string
	CharacterIDs string
}

// ParseSignConfig parses sign subcommand flags.
func ParseSignConfig(fs *flag.FlagSet, args []string) (SignConfig, error) {
	var cfg SignConfig
	fs.StringVar(&cfg.UserID, "user", "", "user id (grant subject)")
	fs.StringVar(&cfg.CampaignID, "campaign", "", "campaign id")
	fs.StringVar(&cfg.Role, "role", string(authz.RolePlayer), "role: dm or player")
	fs.StringVar(&cfg.CharacterIDs, "characters", "", "comma separated owned character ids")
	if err := fs.Parse(args); err != nil {
		return SignConfig{}, err
	}
	if strings.TrimSpace(cfg.UserID) == "" || strings.TrimSpace(cfg.CampaignID) == "" {
		return SignConfig{}, errors.New("-user and -campaign are required")
	}
	return cfg, nil
}

// Sign writes a signed grant for cfg to out.
func Sign(out io.Writer, signer grant.Signer, cfg SignConfig) error {
	if out == nil {
		return errors.New("output is required")
	}
	role, ok := authz.ParseRole(cfg.Role)
	if !ok {
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
	var characterIDs []string
	for _, id := range strings.Split(cfg.CharacterIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			characterIDs = append(characterIDs, id)
		}
	}
	token, err := signer.Sign(grant.Request{
		UserID:       cfg.UserID,
		CampaignID:   cfg.CampaignID,
		Role:         role,
		CharacterIDs: characterIDs,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
