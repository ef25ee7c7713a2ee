package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/id"
	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
)

// State is the connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ErrNotConnected reports a submit while no connection is subscribed.
var ErrNotConnected = apperrors.New(apperrors.CodeUnavailable, "not connected")

// Rejection is a server refusal. It unwraps to the matching platform error so
// errors.Is works against the platform sentinels.
type Rejection struct {
	Code      apperrors.Code
	Message   string
	Reason    string
	Notice    string
	Retryable bool
}

func (r *Rejection) Error() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", r.Code, r.Reason, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error {
	return apperrors.WithReason(r.Code, r.Reason, r.Message)
}

// Ack is an applied command.
type Ack struct {
	RequestID string
	Version   int64
	Duplicate bool
}

// Config wires a Conn.
type Config struct {
	// URL is the server's websocket endpoint, e.g. ws://host/ws.
	URL        string
	Origin     string
	CampaignID string
	Grant      string
	// UserID matches events to this client's own commands.
	UserID string
	Locale string

	CommandTimeout time.Duration
	// MaxReconnectWait caps the wait between reconnect attempts.
	MaxReconnectWait time.Duration

	// OnChange is called with the rendered view after every change.
	OnChange func(View)
	// OnState is called on every lifecycle transition.
	OnState func(State)
	// OnRejection is called for command rejections, e.g. to show Notice.
	OnRejection func(*Rejection)

	NewID func() (string, error)
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	CampaignID  string `json:"campaign_id"`
	Grant       string `json:"grant"`
	LastVersion int64  `json:"last_version,omitempty"`
	LastViewKey string `json:"last_view_key,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

type joinedPayload struct {
	LatestVersion int64  `json:"latest_version"`
	Resumed       bool   `json:"resumed"`
	ViewKey       string `json:"view_key"`
}

type commandPayload struct {
	Type    command.Type    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ackPayload struct {
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	Duplicate bool   `json:"duplicate"`
}

type outcome struct {
	ack Ack
	err error
}

// Conn is a reconnecting live session client for one campaign.
type Conn struct {
	cfg        Config
	reconciler *Reconciler

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	waiters map[string]chan outcome
	// viewKey names the projection the confirmed view was built from.
	viewKey string

	writeMu sync.Mutex
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("url is required")
	}
	if strings.TrimSpace(cfg.CampaignID) == "" {
		return nil, errors.New("campaign id is required")
	}
	if strings.TrimSpace(cfg.Grant) == "" {
		return nil, errors.New("grant is required")
	}
	if cfg.Origin == "" {
		cfg.Origin = "http://localhost/"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = timeouts.CommandAck
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	return &Conn{
		cfg:        cfg,
		reconciler: NewReconciler(cfg.UserID, cfg.CommandTimeout, nil),
		state:      StateDisconnected,
		waiters:    make(map[string]chan outcome),
	}, nil
}

// Reconciler exposes the local view.
func (c *Conn) Reconciler() *Reconciler { return c.reconciler }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps reconnecting with exponential backoff until ctx
// ends or the server refuses the grant.
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateClosed)
	next := StateConnecting
	for {
		c.setState(next)
		ws, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.connect(ctx)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				log.Printf("live client: connect campaign=%s failed, retrying in %s: %v", c.cfg.CampaignID, wait, err)
			}),
		)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		c.setConn(ws)
		c.setState(StateSubscribed)
		stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
		err = c.read(ws)
		stop()
		_ = ws.Close()
		c.setConn(nil)
		c.disconnected()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("live client: disconnected campaign=%s: %v", c.cfg.CampaignID, err)
		next = StateReconnecting
	}
}

func (c *Conn) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.cfg.MaxReconnectWait
	return b
}

// connect dials and joins. A refused grant is permanent.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	config, err := websocket.NewConfig(c.cfg.URL, c.cfg.Origin)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("websocket config: %w", err))
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	defer cancel()
	ws, err := config.DialContext(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	join := joinPayload{CampaignID: c.cfg.CampaignID, Grant: c.cfg.Grant, Locale: c.cfg.Locale}
	if c.reconciler.Confirmed().CampaignID != "" {
		join.LastVersion = c.reconciler.Version()
		c.mu.Lock()
		join.LastViewKey = c.viewKey
		c.mu.Unlock()
	}
	if err := c.send(ws, frame{Type: "live.join", Payload: mustJSON(join)}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(timeouts.CommandAck))
	var reply frame
	if err := websocket.JSON.Receive(ws, &reply); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read joined: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	switch reply.Type {
	case "live.joined":
		var joined joinedPayload
		if err := json.Unmarshal(reply.Payload, &joined); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("decode joined: %w", err)
		}
		c.mu.Lock()
		c.viewKey = joined.ViewKey
		c.mu.Unlock()
		if joined.Resumed {
			c.reconciler.Resume(joined.LatestVersion)
		}
		return ws, nil
	case "live.error":
		_ = ws.Close()
		rejection := decodeRejection(reply.Payload)
		if rejection.Retryable {
			return nil, rejection
		}
		return nil, backoff.Permanent(rejection)
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected frame %q before join", reply.Type)
	}
}

func (c *Conn) read(ws *websocket.Conn) error {
	for {
		var in frame
		if err := websocket.JSON.Receive(ws, &in); err != nil {
			return err
		}
		switch in.Type {
		case "live.snapshot":
			var snapshot event.Snapshot
			if err := json.Unmarshal(in.Payload, &snapshot); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			if c.reconciler.ApplySnapshot(snapshot) {
				c.changed()
			}
		case "live.event":
			var evt event.Event
			if err := json.Unmarshal(in.Payload, &evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			applied, err := c.reconciler.ApplyEvent(evt)
			if errors.Is(err, ErrVersionGap) {
				if err := c.send(ws, frame{Type: "live.sync", RequestID: "gap"}); err != nil {
					return err
				}
			}
			if applied {
				c.changed()
			}
		case "live.ack":
			var ack ackPayload
			if err := json.Unmarshal(in.Payload, &ack); err != nil {
				return fmt.Errorf("decode ack: %w", err)
			}
			if ack.Version > 0 {
				c.reconciler.Ack(in.RequestID, ack.Version)
			}
			c.resolve(in.RequestID, outcome{ack: Ack{RequestID: in.RequestID, Version: ack.Version, Duplicate: ack.Duplicate}})
		case "live.error":
			rejection := decodeRejection(in.Payload)
			if in.RequestID == "" {
				return rejection
			}
			if c.reconciler.Reject(in.RequestID) {
				c.changed()
			}
			c.resolve(in.RequestID, outcome{err: rejection})
		}
	}
}

// Submit sends a command with an optional prediction and waits for the
// server's answer. On timeout the prediction is rolled back, a snapshot is
// requested and the error is Unavailable.
func (c *Conn) Submit(ctx context.Context, typ command.Type, payload any, predict Prediction) (Ack, error) {
	requestID, err := c.cfg.NewID()
	if err != nil {
		return Ack{}, fmt.Errorf("generate request id: %w", err)
	}
	var raw json.RawMessage
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return Ack{}, apperrors.Wrap(apperrors.CodeValidation, "encode command payload", err)
		}
	}

	ws, waiter := c.register(requestID)
	if ws == nil {
		return Ack{}, ErrNotConnected
	}
	defer c.unregister(requestID)

	if predict != nil {
		c.reconciler.Predict(requestID, predict)
		c.changed()
	}
	out := frame{Type: "live.command", RequestID: requestID, Payload: mustJSON(commandPayload{Type: typ, Payload: raw})}
	if err := c.send(ws, out); err != nil {
		c.rollback(requestID)
		return Ack{}, apperrors.Wrap(apperrors.CodeUnavailable, "send command", err)
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		if result.err != nil {
			var rejection *Rejection
			if errors.As(result.err, &rejection) && c.cfg.OnRejection != nil {
				c.cfg.OnRejection(rejection)
			}
			return Ack{}, result.err
		}
		return result.ack, nil
	case <-timer.C:
		c.rollback(requestID)
		_ = c.send(ws, frame{Type: "live.sync", RequestID: requestID + ":sync"})
		return Ack{}, apperrors.New(apperrors.CodeUnavailable, "command was not acknowledged in time")
	case <-ctx.Done():
		c.rollback(requestID)
		return Ack{}, apperrors.Wrap(apperrors.CodeUnavailable, "command wait cancelled", ctx.Err())
	}
}

// Sync asks for a fresh snapshot on the ordered stream.
func (c *Conn) Sync() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.send(ws, frame{Type: "live.sync"})
}

func (c *Conn) register(requestID string) (*websocket.Conn, chan outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.state != StateSubscribed {
		return nil, nil
	}
	waiter := make(chan outcome, 1)
	c.waiters[requestID] = waiter
	return c.ws, waiter
}

func (c *Conn) unregister(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

func (c *Conn) resolve(requestID string, result outcome) {
	c.mu.Lock()
	waiter, ok := c.waiters[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- result:
	default:
	}
}

func (c *Conn) rollback(requestID string) {
	if c.reconciler.Reject(requestID) {
		c.changed()
	}
}

// disconnected fails every waiter; their outcome is unknown.
func (c *Conn) disconnected() {
	c.setState(StateDisconnected)
	if len(c.reconciler.Disconnected()) > 0 {
		c.changed()
	}
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan outcome)
	c.mu.Unlock()
	for _, waiter := range waiters {
		select {
		case waiter <- outcome{err: apperrors.New(apperrors.CodeUnavailable, "connection lost before acknowledgement")}:
		default:
		}
	}
}

func (c *Conn) send(ws *websocket.Conn, out frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(timeouts.FrameWrite))
	return websocket.JSON.Send(ws, out)
}

func (c *Conn) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(state)
	}
}

func (c *Conn) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.reconciler.View())
	}
}

func decodeRejection(payload json.RawMessage) *Rejection {
	var wire struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Reason    string `json:"reason"`
		Notice    string `json:"notice"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return &Rejection{Code: apperrors.CodeInternal, Message: "undecodable error frame"}
	}
	return &Rejection{
		Code:      apperrors.Code(wire.Code),
		Message:   wire.Message,
		Reason:    wire.Reason,
		Notice:    wire.Notice,
		Retryable: wire.Retryable,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("live client: marshal frame payload: %v", err)
		return nil
	}
	return b
}
