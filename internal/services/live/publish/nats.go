// Package publish forwards committed live-session events to the event bus.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots every campaign event subject.
const SubjectPrefix = "livetable.campaign"

// Subject returns the subject events for campaignID are published on.
func Subject(campaignID string) string {
	return SubjectPrefix + "." + campaignID + ".events"
}

// WildcardSubject matches every campaign's events.
func WildcardSubject() string {
	return SubjectPrefix + ".*.events"
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events as JSON on per-campaign subjects.
type NATS struct {
	conn  Conn
	owned *nats.Conn
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, name string) (*NATS, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{conn: conn, owned: conn}, nil
}

// NewNATS wraps an existing connection. Close leaves it open.
func NewNATS(conn Conn) *NATS {
	return &NATS{conn: conn}
}

// Publish writes evt to its campaign subject. NATS publishes are buffered by
// the client, so the context is only checked up front.
func (p *NATS) Publish(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(evt.CampaignID), data); err != nil {
		return fmt.Errorf("publish %s v%d: %w", evt.CampaignID, evt.Version, err)
	}
	return nil
}

// Close drains the owned connection.
func (p *NATS) Close() error {
	if p == nil || p.owned == nil {
		return nil
	}
	return p.owned.Drain()
}

// Nop discards events. It is used when no bus is configured.
type Nop struct{}

// Publish implements engine.Publisher.
func (Nop) Publish(context.Context, event.Event) error { return nil }

// Close implements io.Closer.
func (Nop) Close() error { return nil }
