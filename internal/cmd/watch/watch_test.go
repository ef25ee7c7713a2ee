package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("expected default nats url, got %q", cfg.NATSURL)
	}
	if got := cfg.Subject(); got != "livetable.campaign.*.events" {
		t.Fatalf("subject = %q", got)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("LIVETABLE_NATS_URL", "nats://env:4222")

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-campaign", "camp-9"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.NATSURL != "nats://env:4222" {
		t.Fatalf("expected env nats url, got %q", cfg.NATSURL)
	}
	if got := cfg.Subject(); got != "livetable.campaign.camp-9.events" {
		t.Fatalf("subject = %q", got)
	}

	fs = flag.NewFlagSet("watch", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-nats-url", " "}); err == nil {
		t.Fatal("expected error for blank nats url")
	}
}

func TestFormat(t *testing.T) {
	ts := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		evt  event.Event
		want string
	}{
		{
			name: "stage",
			evt: event.Event{
				CampaignID: "camp-1", Version: 1, Type: event.TypeStageChanged, CommandType: "startSession",
				ActorID: "dm-1", Timestamp: ts, Stage: &event.StageView{Stage: stage.StageLive},
			},
			want: "2026-03-01T20:00:00Z campaign=camp-1 v1 stage-changed command=startSession actor=dm-1 stage=live",
		},
		{
			name: "combat",
			evt: event.Event{
				CampaignID: "camp-1", Version: 4, Type: event.TypeInitiativeUpdated, Timestamp: ts,
				Combat: &combat.State{Entries: []combat.Entry{{ID: "a"}, {ID: "b"}}, Round: 2},
			},
			want: "2026-03-01T20:00:00Z campaign=camp-1 v4 initiative-updated entries=2 round=2",
		},
		{
			name: "flagged",
			evt: event.Event{
				CampaignID: "camp-1", Version: 7, Type: event.TypeTokenUpdated, Timestamp: ts,
				FlaggedTokenIDs: []string{"t1", "t2"},
			},
			want: "2026-03-01T20:00:00Z campaign=camp-1 v7 token-updated flagged=t1,t2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.evt); got != tt.want {
				t.Fatalf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConsumePrintsDecodableMessages(t *testing.T) {
	data, err := json.Marshal(event.Event{CampaignID: "camp-1", Version: 2, Type: event.TypeTokenUpdated})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msgs := make(chan *nats.Msg, 2)
	msgs <- &nats.Msg{Subject: "livetable.campaign.camp-1.events", Data: []byte("{not json")}
	msgs <- &nats.Msg{Subject: "livetable.campaign.camp-1.events", Data: data}
	close(msgs)

	var out bytes.Buffer
	if err := Consume(context.Background(), msgs, &out); err != nil {
		t.Fatalf("consume: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "campaign=camp-1 v2 token-updated") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestConsumeStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Consume(ctx, make(chan *nats.Msg), &bytes.Buffer{}); err != nil {
		t.Fatalf("consume: %v", err)
	}
}
