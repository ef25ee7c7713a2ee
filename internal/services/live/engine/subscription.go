package engine

import (
	"context"
	"sync"

	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
)

// MessageKind tags a subscription message.
type MessageKind string

const (
	MessageSnapshot MessageKind = "snapshot"
	MessageEvent    MessageKind = "event"
)

// Message is one item on a subscriber's ordered stream, already projected
// for that subscriber.
type Message struct {
	Kind     MessageKind
	Version  int64
	Event    *event.Event
	Snapshot *event.Snapshot
}

// Subscription is one actor's view of a campaign channel.
//
// Messages is closed when the subscription ends; Err then reports why
// (ErrResyncRequired for a lagging subscriber, ErrClosed on shutdown, nil
// after Close).
type Subscription struct {
	hub        *Hub
	campaignID string
	actor      authz.Actor
	messages   chan Message

	mu      sync.Mutex
	version int64
	err     error
	ended   bool
}

func newSubscription(h *Hub, campaignID string, actor authz.Actor, buffer int) *Subscription {
	return &Subscription{
		hub:        h,
		campaignID: campaignID,
		actor:      actor,
		messages:   make(chan Message, buffer),
	}
}

// CampaignID returns the subscribed campaign.
func (s *Subscription) CampaignID() string { return s.campaignID }

// Actor returns the subscribed actor.
func (s *Subscription) Actor() authz.Actor { return s.actor }

// Messages returns the ordered stream.
func (s *Subscription) Messages() <-chan Message { return s.messages }

// Version returns the campaign version at subscription time.
func (s *Subscription) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Err reports why Messages was closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Sync asks for a fresh snapshot delivered in-band, after every event the
// subscriber has already been sent.
func (s *Subscription) Sync(ctx context.Context) error {
	rep, err := s.hub.do(ctx, s.campaignID, request{kind: requestSync, ctx: ctx, actor: s.actor, sub: s})
	if err != nil {
		return err
	}
	return rep.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.CommandAck)
	defer cancel()
	_, _ = s.hub.do(ctx, s.campaignID, request{kind: requestUnsubscribe, ctx: ctx, sub: s})
}

func (s *Subscription) setVersion(version int64) {
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
}

// end closes the stream. Only the owning channel goroutine calls it.
func (s *Subscription) end(err error) {
	s.mu.Lock()
	s.err = err
	s.ended = true
	s.mu.Unlock()
	close(s.messages)
}
