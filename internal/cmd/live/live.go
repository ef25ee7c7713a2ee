// Package live parses live service flags and composes the transport entrypoint.
package live

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/livetable/internal/platform/cmd"
	"github.com/louisbranch/livetable/internal/platform/id"
	server "github.com/louisbranch/livetable/internal/services/live/app"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

// Config holds live command configuration.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR"         envDefault:":8090"`
	DBPath           string        `env:"DB_PATH"`
	NATSURL          string        `env:"NATS_URL"`
	CommandTimeout   time.Duration `env:"COMMAND_TIMEOUT"   envDefault:"5s"`
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"64"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT"      envDefault:"2m"`
	CarryOver        string        `env:"CARRY_OVER"        envDefault:"retain"`
	MapDefaultsPath  string        `env:"MAP_DEFAULTS_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "live HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path; empty keeps state in memory")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for committed event publishing")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "how long a command waits for its campaign channel")
	fs.IntVar(&cfg.SubscriberBuffer, "subscriber-buffer", cfg.SubscriberBuffer, "queued messages per subscriber before it is dropped")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "how long an unused campaign channel stays loaded")
	fs.StringVar(&cfg.CarryOver, "carry-over", cfg.CarryOver, "combat carry-over between sessions: retain or reset")
	fs.StringVar(&cfg.MapDefaultsPath, "map-defaults", cfg.MapDefaultsPath, "YAML file with battle map defaults")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Options builds the campaign options described by cfg.
func (cfg Config) Options() (campaign.Options, error) {
	carryOver, err := campaign.ParseCarryOver(cfg.CarryOver)
	if err != nil {
		return campaign.Options{}, err
	}
	defaults, err := battlemap.LoadDefaults(cfg.MapDefaultsPath)
	if err != nil {
		return campaign.Options{}, err
	}
	return campaign.Options{
		NewID:       id.NewID,
		CarryOver:   carryOver,
		MapDefaults: defaults,
	}, nil
}

// Run builds the live app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options, err := cfg.Options()
	if err != nil {
		return err
	}
	grants, err := grant.LoadConfigFromEnv(nil)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLive, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			DBPath:           cfg.DBPath,
			NATSURL:          cfg.NATSURL,
			Grants:           grants,
			Options:          options,
			CommandTimeout:   cfg.CommandTimeout,
			SubscriberBuffer: cfg.SubscriberBuffer,
			IdleTimeout:      cfg.IdleTimeout,
		}); err != nil {
			return fmt.Errorf("serve live: %w", err)
		}
		return nil
	})
}
