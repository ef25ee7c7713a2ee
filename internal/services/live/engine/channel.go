package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
	"github.com/louisbranch/livetable/internal/services/live/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/livetable/internal/services/live/engine"

type requestKind int

const (
	requestCommand requestKind = iota + 1
	requestSubscribe
	requestUnsubscribe
	requestSync
	requestSnapshot
	requestListSessions
	requestPutStatistics
)

type request struct {
	kind       requestKind
	ctx        context.Context
	actor      authz.Actor
	cmd        command.Command
	sub        *Subscription
	sessionID  string
	statistics json.RawMessage
	reply      chan reply
}

type reply struct {
	result   Result
	snapshot event.Snapshot
	sessions []stage.Session
	err      error
}

// channel owns one campaign's state. Only its run goroutine touches the
// fields below requests.
type channel struct {
	hub        *Hub
	campaignID string
	requests   chan request
	done       chan struct{}

	state        campaign.State
	loaded       bool
	subscribers  map[*Subscription]struct{}
	applied      map[string]Result
	appliedOrder []string
}

func newChannel(h *Hub, campaignID string) *channel {
	return &channel{
		hub:         h,
		campaignID:  campaignID,
		requests:    make(chan request),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscription]struct{}),
		applied:     make(map[string]Result),
	}
}

func (c *channel) run() {
	idle := time.NewTimer(c.hub.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-c.requests:
			c.serve(req)
			idle.Reset(c.hub.idleTimeout)
		case <-idle.C:
			if len(c.subscribers) > 0 {
				idle.Reset(c.hub.idleTimeout)
				continue
			}
			c.hub.release(c)
			close(c.done)
			return
		case <-c.hub.stop:
			c.hub.release(c)
			for sub := range c.subscribers {
				c.remove(sub, ErrClosed)
			}
			close(c.done)
			return
		}
	}
}

func (c *channel) serve(req request) {
	var rep reply
	if req.kind == requestUnsubscribe {
		c.remove(req.sub, nil)
		req.reply <- rep
		return
	}
	if err := req.ctx.Err(); err != nil {
		// The caller gave up before its turn; nothing is applied.
		req.reply <- reply{err: unavailable(c.campaignID, err)}
		return
	}
	if err := c.load(req.ctx); err != nil {
		req.reply <- reply{err: err}
		return
	}

	switch req.kind {
	case requestCommand:
		rep.result, rep.err = c.command(req)
	case requestSubscribe:
		rep.err = c.subscribe(req.sub)
	case requestSync:
		rep.err = c.sync(req.sub)
	case requestSnapshot:
		rep.snapshot, rep.err = c.snapshot(req.actor)
	case requestListSessions:
		rep.sessions, rep.err = c.listSessions(req.ctx, req.actor)
	case requestPutStatistics:
		rep.err = c.putStatistics(req.ctx, req.actor, req.sessionID, req.statistics)
	default:
		rep.err = apperrors.New(apperrors.CodeInternal, fmt.Sprintf("unknown request kind %d", req.kind))
	}
	req.reply <- rep
}

func (c *channel) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	state, err := c.hub.store.GetCampaign(ctx, c.campaignID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		state = campaign.New(c.campaignID)
	case err != nil:
		log.Printf("live: load campaign=%s: %v", c.campaignID, err)
		return apperrors.Wrap(apperrors.CodeInternal, "load campaign", err)
	}
	// Statistics live only in session history; versioned state never
	// carries them.
	if current := state.Stage.CurrentSession; current != nil {
		current.Statistics = nil
	}
	c.state = state
	c.loaded = true
	return nil
}

func (c *channel) command(req request) (Result, error) {
	started := time.Now()
	commandType := string(req.cmd.Type)
	ctx, span := otel.Tracer(tracerName).Start(req.ctx, "live.command "+commandType,
		trace.WithAttributes(
			attribute.String("livetable.campaign_id", c.campaignID),
			attribute.String("livetable.command_type", commandType),
			attribute.String("livetable.actor_id", req.actor.UserID),
			attribute.String("livetable.request_id", req.cmd.RequestID),
		),
	)
	defer span.End()

	result, err := c.apply(ctx, req.actor, req.cmd)
	c.hub.metrics.observeCommand(commandType, err)
	c.hub.metrics.observeDuration(commandType, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int64("livetable.version", result.Version),
		attribute.Bool("livetable.duplicate", result.Duplicate),
	)
	return result, nil
}

func (c *channel) apply(ctx context.Context, actor authz.Actor, cmd command.Command) (Result, error) {
	key := idempotencyKey(actor, cmd.RequestID)
	if prior, ok := c.applied[key]; ok && key != "" {
		prior.Duplicate = true
		return prior, nil
	}

	next, evt, err := campaign.Handle(c.state, actor, cmd, c.hub.options)
	if err != nil {
		return Result{}, err
	}
	if err := c.hub.store.SaveCampaign(ctx, next); err != nil {
		log.Printf("live: persist campaign=%s version=%d: %v", c.campaignID, next.Version, err)
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			c.loaded = false
			return Result{}, apperrors.Wrap(apperrors.CodeUnavailable, "campaign changed in storage", err)
		case apperrors.CodeOf(err) == apperrors.CodeInvalidTransition:
			return Result{}, err
		default:
			return Result{}, apperrors.Wrap(apperrors.CodeInternal, "persist campaign", err)
		}
	}

	c.state = next
	result := Result{RequestID: cmd.RequestID, Version: next.Version}
	c.remember(key, result)
	c.broadcast(evt)
	if err := c.hub.publisher.Publish(ctx, evt); err != nil {
		c.hub.metrics.publishFailures.Inc()
		log.Printf("live: publish campaign=%s version=%d: %v", c.campaignID, evt.Version, err)
	}
	return result, nil
}

func (c *channel) remember(key string, result Result) {
	if key == "" {
		return
	}
	c.applied[key] = result
	c.appliedOrder = append(c.appliedOrder, key)
	if len(c.appliedOrder) > c.hub.idempotencyWindow {
		evict := c.appliedOrder[0]
		c.appliedOrder = c.appliedOrder[1:]
		delete(c.applied, evict)
	}
}

func idempotencyKey(actor authz.Actor, requestID string) string {
	if requestID == "" {
		return ""
	}
	return actor.UserID + "\x00" + requestID
}

func (c *channel) broadcast(evt event.Event) {
	for sub := range c.subscribers {
		projected := evt.Project(sub.actor, c.state.Combat)
		c.deliver(sub, Message{Kind: MessageEvent, Version: evt.Version, Event: &projected})
	}
}

// deliver queues msg without blocking. A full queue means the subscriber
// fell behind; it is dropped and must re-snapshot.
func (c *channel) deliver(sub *Subscription, msg Message) {
	select {
	case sub.messages <- msg:
		c.hub.metrics.broadcasts.Inc()
	default:
		log.Printf("live: dropping lagging subscriber campaign=%s user=%s version=%d", c.campaignID, sub.actor.UserID, msg.Version)
		c.hub.metrics.dropped.Inc()
		c.remove(sub, ErrResyncRequired)
	}
}

func (c *channel) remove(sub *Subscription, reason error) {
	if sub == nil {
		return
	}
	if _, ok := c.subscribers[sub]; !ok {
		return
	}
	delete(c.subscribers, sub)
	c.hub.metrics.subscribers.Dec()
	sub.end(reason)
}

func (c *channel) admit(actor authz.Actor) error {
	if !actor.Role.Valid() {
		return apperrors.WithReason(apperrors.CodeForbidden, authz.ReasonDenyUnknownRole,
			fmt.Sprintf("unknown role %q", actor.Role))
	}
	return c.state.CheckOwner(actor)
}

func (c *channel) subscribe(sub *Subscription) error {
	if err := c.admit(sub.actor); err != nil {
		return err
	}
	c.subscribers[sub] = struct{}{}
	c.hub.metrics.subscribers.Inc()
	sub.setVersion(c.state.Version)
	c.deliver(sub, c.snapshotMessage(sub.actor))
	return nil
}

func (c *channel) sync(sub *Subscription) error {
	if _, ok := c.subscribers[sub]; !ok {
		return apperrors.New(apperrors.CodeNotFound, "subscription is not active")
	}
	c.deliver(sub, c.snapshotMessage(sub.actor))
	return nil
}

func (c *channel) snapshotMessage(actor authz.Actor) Message {
	snapshot := c.state.Snapshot().Project(actor)
	return Message{Kind: MessageSnapshot, Version: snapshot.Version, Snapshot: &snapshot}
}

func (c *channel) snapshot(actor authz.Actor) (event.Snapshot, error) {
	if err := c.admit(actor); err != nil {
		return event.Snapshot{}, err
	}
	return c.state.Snapshot().Project(actor), nil
}

func (c *channel) authorize(actor authz.Actor, action authz.Action) error {
	if err := c.admit(actor); err != nil {
		return err
	}
	decision := authz.CanAct(actor, action, authz.Target{})
	if !decision.Allowed {
		return apperrors.WithReason(apperrors.CodeForbidden, decision.Reason,
			fmt.Sprintf("%s denied for user %s: %s", action, actor.UserID, decision.Reason))
	}
	return nil
}

func (c *channel) listSessions(ctx context.Context, actor authz.Actor) ([]stage.Session, error) {
	if err := c.authorize(actor, authz.ActionReadSessions); err != nil {
		return nil, err
	}
	sessions, err := c.hub.store.ListSessions(ctx, c.campaignID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list sessions", err)
	}
	return sessions, nil
}

func (c *channel) putStatistics(ctx context.Context, actor authz.Actor, sessionID string, statistics json.RawMessage) error {
	if err := c.authorize(actor, authz.ActionWriteStatistics); err != nil {
		return err
	}
	if err := c.hub.store.PutSessionStatistics(ctx, c.campaignID, sessionID, statistics); err != nil {
		if errors.Is(err, storage.ErrNotFound) || apperrors.CodeOf(err) == apperrors.CodeValidation {
			return err
		}
		return apperrors.Wrap(apperrors.CodeInternal, "put session statistics", err)
	}
	return nil
}
