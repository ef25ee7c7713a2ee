// Package watch follows committed live events on the event bus and prints one
// line per event. It is an operator tool for checking that a live service
// publishes what it commits.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	entrypoint "github.com/louisbranch/livetable/internal/platform/cmd"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/publish"
)

// Config holds watch command configuration.
type Config struct {
	NATSURL    string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	CampaignID string `env:"WATCH_CAMPAIGN_ID"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL to subscribe on")
	fs.StringVar(&cfg.CampaignID, "campaign", cfg.CampaignID, "only follow this campaign; empty follows all")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return Config{}, errors.New("nats url is required")
	}
	return cfg, nil
}

// Subject is the bus subject cfg follows.
func (cfg Config) Subject() string {
	if id := strings.TrimSpace(cfg.CampaignID); id != "" {
		return publish.Subject(id)
	}
	return publish.WildcardSubject()
}

// Run subscribes and prints events to out until ctx ends.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWatch, func(ctx context.Context) error {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name(entrypoint.ServiceWatch),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer conn.Close()

		msgs := make(chan *nats.Msg, 256)
		sub, err := conn.ChanSubscribe(cfg.Subject(), msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Subject(), err)
		}
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("unsubscribe: %v", err)
			}
		}()
		log.Printf("watching %s on %s", cfg.Subject(), cfg.NATSURL)
		return Consume(ctx, msgs, out)
	})
}

// Consume prints every message from msgs until ctx ends or msgs closes.
// Undecodable messages are logged and skipped.
func Consume(ctx context.Context, msgs <-chan *nats.Msg, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var evt event.Event
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				log.Printf("skip message on %s: %v", msg.Subject, err)
				continue
			}
			if _, err := fmt.Fprintln(out, Format(evt)); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
}

// Format renders evt as a single log line.
func Format(evt event.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s campaign=%s v%d %s", evt.Timestamp.UTC().Format(time.RFC3339), evt.CampaignID, evt.Version, evt.Type)
	if evt.CommandType != "" {
		fmt.Fprintf(&b, " command=%s", evt.CommandType)
	}
	if evt.ActorID != "" {
		fmt.Fprintf(&b, " actor=%s", evt.ActorID)
	}
	if evt.Stage != nil {
		fmt.Fprintf(&b, " stage=%s", evt.Stage.Stage)
	}
	if evt.Combat != nil {
		fmt.Fprintf(&b, " entries=%d round=%d", len(evt.Combat.Entries), evt.Combat.Round)
	}
	if evt.Map != nil {
		fmt.Fprintf(&b, " tokens=%d", len(evt.Map.Tokens))
	}
	if len(evt.FlaggedTokenIDs) > 0 {
		fmt.Fprintf(&b, " flagged=%s", strings.Join(evt.FlaggedTokenIDs, ","))
	}
	return b.String()
}
