// Package engine runs one command processor per campaign.
//
// Every command, subscription and snapshot read for a campaign passes through
// that campaign's channel goroutine, so all of them are totally ordered. An
// applied command is persisted, broadcast to every subscriber projected for
// that subscriber, published to the event bus, and acknowledged to the caller.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
	"github.com/louisbranch/livetable/internal/services/live/storage"
)

const (
	defaultSubscriberBuffer  = 64
	defaultIdempotencyWindow = 1024
)

// ErrClosed reports a hub that no longer accepts work.
var ErrClosed = apperrors.New(apperrors.CodeUnavailable, "live hub is closed")

// ErrResyncRequired is the reason a lagging subscriber was dropped. The
// client reconnects and starts from a fresh snapshot.
var ErrResyncRequired = apperrors.New(apperrors.CodeUnavailable, "resync required")

// Publisher receives every committed, unprojected event.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Config wires a Hub.
type Config struct {
	Store     storage.Store
	Publisher Publisher
	Metrics   *Metrics
	Options   campaign.Options

	// CommandTimeout bounds how long Submit waits for an outcome.
	CommandTimeout time.Duration
	// SubscriberBuffer is the outbound queue size per subscriber.
	SubscriberBuffer int
	// IdleTimeout releases channels with no subscribers and no traffic.
	IdleTimeout time.Duration
	// IdempotencyWindow is how many request ids each channel remembers.
	IdempotencyWindow int
}

// Result is the outcome of an applied command.
type Result struct {
	RequestID string `json:"requestId,omitempty"`
	Version   int64  `json:"version"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Hub routes work to per-campaign channels, starting them on demand.
type Hub struct {
	store             storage.Store
	publisher         Publisher
	metrics           *Metrics
	options           campaign.Options
	commandTimeout    time.Duration
	subscriberBuffer  int
	idleTimeout       time.Duration
	idempotencyWindow int

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
	wg       sync.WaitGroup
	stop     chan struct{}
}

// NewHub validates cfg and returns a running hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = timeouts.CommandAck
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = timeouts.ChannelIdle
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = defaultIdempotencyWindow
	}
	return &Hub{
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		metrics:           cfg.Metrics,
		options:           cfg.Options,
		commandTimeout:    cfg.CommandTimeout,
		subscriberBuffer:  cfg.SubscriberBuffer,
		idleTimeout:       cfg.IdleTimeout,
		idempotencyWindow: cfg.IdempotencyWindow,
		channels:          make(map[string]*channel),
		stop:              make(chan struct{}),
	}, nil
}

// Submit applies cmd on behalf of actor. A Result is returned only for an
// applied (or already applied) command; rejections carry a domain error code.
// When the wait times out the outcome is unknown and the error is Unavailable.
func (h *Hub) Submit(ctx context.Context, actor authz.Actor, cmd command.Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()

	rep, err := h.do(ctx, cmd.CampaignID, request{kind: requestCommand, ctx: ctx, actor: actor, cmd: cmd})
	if err != nil {
		return Result{}, err
	}
	return rep.result, rep.err
}

// Subscribe registers actor on the campaign's ordered stream. The first
// message on the subscription is a snapshot at Subscription.Version.
func (h *Hub) Subscribe(ctx context.Context, campaignID string, actor authz.Actor) (*Subscription, error) {
	if strings.TrimSpace(campaignID) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "campaign id is required")
	}
	sub := newSubscription(h, campaignID, actor, h.subscriberBuffer)
	rep, err := h.do(ctx, campaignID, request{kind: requestSubscribe, ctx: ctx, actor: actor, sub: sub})
	if err != nil {
		return nil, err
	}
	if rep.err != nil {
		return nil, rep.err
	}
	return sub, nil
}

// Snapshot returns the campaign state projected for actor.
func (h *Hub) Snapshot(ctx context.Context, campaignID string, actor authz.Actor) (event.Snapshot, error) {
	rep, err := h.do(ctx, campaignID, request{kind: requestSnapshot, ctx: ctx, actor: actor})
	if err != nil {
		return event.Snapshot{}, err
	}
	return rep.snapshot, rep.err
}

// ListSessions returns the campaign's session history. DM only.
func (h *Hub) ListSessions(ctx context.Context, campaignID string, actor authz.Actor) ([]stage.Session, error) {
	rep, err := h.do(ctx, campaignID, request{kind: requestListSessions, ctx: ctx, actor: actor})
	if err != nil {
		return nil, err
	}
	return rep.sessions, rep.err
}

// PutStatistics stores opaque recap statistics for one session. DM only.
func (h *Hub) PutStatistics(ctx context.Context, campaignID, sessionID string, actor authz.Actor, statistics json.RawMessage) error {
	if err := storage.ValidateStatistics(statistics); err != nil {
		return err
	}
	rep, err := h.do(ctx, campaignID, request{
		kind:       requestPutStatistics,
		ctx:        ctx,
		actor:      actor,
		sessionID:  sessionID,
		statistics: statistics,
	})
	if err != nil {
		return err
	}
	return rep.err
}

// Channels returns the number of loaded campaign channels.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Close stops every channel and closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	h.mu.Unlock()
	h.wg.Wait()
}

// do delivers req to the campaign channel and waits for its reply. A channel
// that stopped between lookup and delivery is replaced and the send retried.
func (h *Hub) do(ctx context.Context, campaignID string, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	for {
		c, err := h.channel(campaignID)
		if err != nil {
			return reply{}, err
		}
		select {
		case c.requests <- req:
		case <-c.done:
			continue
		case <-ctx.Done():
			return reply{}, unavailable(campaignID, ctx.Err())
		}
		select {
		case rep := <-req.reply:
			return rep, nil
		case <-ctx.Done():
			return reply{}, unavailable(campaignID, ctx.Err())
		}
	}
}

func (h *Hub) channel(campaignID string) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if c, ok := h.channels[campaignID]; ok {
		return c, nil
	}
	c := newChannel(h, campaignID)
	h.channels[campaignID] = c
	h.metrics.channels.Inc()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.run()
	}()
	return c, nil
}

// release removes c if it is still the registered channel for its campaign.
func (h *Hub) release(c *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.channels[c.campaignID]; ok && current == c {
		delete(h.channels, c.campaignID)
		h.metrics.channels.Dec()
	}
}

func unavailable(campaignID string, cause error) error {
	return apperrors.Wrap(apperrors.CodeUnavailable, fmt.Sprintf("campaign %s did not answer in time", campaignID), cause)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) error { return nil }
