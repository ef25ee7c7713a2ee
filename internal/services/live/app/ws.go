package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/errors/i18n"
	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/engine"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Frame types.
const (
	frameJoin     = "live.join"
	frameSync     = "live.sync"
	frameCommand  = "live.command"
	frameJoined   = "live.joined"
	frameSnapshot = "live.snapshot"
	frameAck      = "live.ack"
	frameError    = "live.error"
	frameEvent    = "live.event"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	CampaignID  string `json:"campaign_id"`
	Grant       string `json:"grant"`
	LastVersion int64  `json:"last_version,omitempty"`
	// LastViewKey is the view_key of the join that produced LastVersion.
	LastViewKey string `json:"last_view_key,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

type joinedPayload struct {
	CampaignID    string     `json:"campaign_id"`
	UserID        string     `json:"user_id"`
	Role          authz.Role `json:"role"`
	LatestVersion int64      `json:"latest_version"`
	Resumed       bool       `json:"resumed,omitempty"`
	ViewKey       string     `json:"view_key"`
	ServerTime    string     `json:"server_time"`
}

type commandPayload struct {
	Type    command.Type    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ackPayload struct {
	Status    string `json:"status"`
	Version   int64  `json:"version,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.FrameWrite))
	return websocket.JSON.Send(p.conn, frame)
}

func (p *wsPeer) close() {
	_ = p.conn.Close()
}

// wsSession is one connection. Only the read loop touches the join state;
// the pump goroutine owns writes of the subscription stream.
type wsSession struct {
	hub     *engine.Hub
	grants  grant.Config
	notices *i18n.Catalog
	peer    *wsPeer
	tag     language.Tag

	campaignID string
	actor      authz.Actor
	sub        *engine.Subscription
	pumpDone   chan struct{}
}

func handleWSConn(conn *websocket.Conn, config HandlerConfig) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	ctx := context.Background()
	accept := ""
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		accept = request.Header.Get("Accept-Language")
	}
	session := &wsSession{
		hub:     config.Hub,
		grants:  config.Grants,
		notices: config.Notices,
		peer:    newWSPeer(conn),
		tag:     config.Notices.ResolveTag(accept),
	}
	defer session.leave()

	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				session.writeError("", apperrors.New(apperrors.CodeValidation, "payload too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("live: websocket read user=%q campaign=%q: %v", session.actor.UserID, session.campaignID, err)
			}
			return
		}

		if !limiter.Allow() {
			session.writeError("", apperrors.WithReason(apperrors.CodeUnavailable, reasonRateLimited, "rate limit exceeded"))
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			decodeErrors++
			session.writeError("", apperrors.New(apperrors.CodeValidation, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case frameJoin:
			session.join(ctx, frame)
		case frameSync:
			session.sync(ctx, frame)
		case frameCommand:
			session.command(ctx, frame)
		default:
			session.writeError(frame.RequestID, apperrors.New(apperrors.CodeValidation, "unsupported frame type"))
		}
	}
}

func (s *wsSession) join(ctx context.Context, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.writeError(frame.RequestID, apperrors.New(apperrors.CodeValidation, "invalid join payload"))
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)
	if campaignID == "" {
		s.writeError(frame.RequestID, apperrors.New(apperrors.CodeValidation, "campaign_id is required"))
		return
	}
	if locale := strings.TrimSpace(payload.Locale); locale != "" {
		s.tag = s.notices.ResolveTag(locale)
	}

	claims, err := grant.Verify(payload.Grant, campaignID, s.grants)
	if err != nil {
		log.Printf("live: join rejected campaign=%q: %v", campaignID, err)
		s.writeError(frame.RequestID, err)
		return
	}
	actor := claims.Actor()

	s.leave()
	sub, err := s.hub.Subscribe(ctx, campaignID, actor)
	if err != nil {
		log.Printf("live: subscribe failed user=%q campaign=%q: %v", actor.UserID, campaignID, err)
		s.writeError(frame.RequestID, err)
		return
	}
	s.campaignID = campaignID
	s.actor = actor
	s.sub = sub
	s.pumpDone = make(chan struct{})

	key := viewKey(actor)
	resumed := payload.LastVersion > 0 && payload.LastVersion == sub.Version() && payload.LastViewKey == key
	_ = s.peer.writeFrame(wsFrame{
		Type:      frameJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			CampaignID:    campaignID,
			UserID:        actor.UserID,
			Role:          actor.Role,
			LatestVersion: sub.Version(),
			Resumed:       resumed,
			ViewKey:       key,
			ServerTime:    time.Now().UTC().Format(time.RFC3339),
		}),
	})
	log.Printf("live: joined user=%q role=%s campaign=%q version=%d", actor.UserID, actor.Role, campaignID, sub.Version())
	go s.pump(sub, resumed, s.tag, s.pumpDone)
}

// pump forwards the subscription stream. A client resuming at the current
// version skips the opening snapshot.
func (s *wsSession) pump(sub *engine.Subscription, skipSnapshot bool, tag language.Tag, done chan struct{}) {
	defer close(done)
	first := true
	for msg := range sub.Messages() {
		if first && skipSnapshot && msg.Kind == engine.MessageSnapshot {
			first = false
			continue
		}
		first = false

		frame := wsFrame{Type: frameEvent, Payload: mustJSON(msg.Event)}
		if msg.Kind == engine.MessageSnapshot {
			frame = wsFrame{Type: frameSnapshot, Payload: mustJSON(msg.Snapshot)}
		}
		if err := s.peer.writeFrame(frame); err != nil {
			log.Printf("live: write failed user=%q campaign=%q version=%d: %v", sub.Actor().UserID, sub.CampaignID(), msg.Version, err)
			s.peer.close()
			return
		}
	}
	if err := sub.Err(); err != nil {
		resync := apperrors.WithReason(apperrors.CodeUnavailable, reasonResyncRequired, err.Error())
		_ = s.peer.writeFrame(wsFrame{Type: frameError, Payload: mustJSON(errorPayload(resync, s.notices, tag))})
		s.peer.close()
	}
}

func (s *wsSession) leave() {
	if s.sub == nil {
		return
	}
	s.sub.Close()
	<-s.pumpDone
	s.sub = nil
	s.pumpDone = nil
	s.campaignID = ""
	s.actor = authz.Actor{}
}

func (s *wsSession) sync(ctx context.Context, frame wsFrame) {
	if s.sub == nil {
		s.writeError(frame.RequestID, notJoined())
		return
	}
	if err := s.sub.Sync(ctx); err != nil {
		s.writeError(frame.RequestID, err)
		return
	}
	_ = s.peer.writeFrame(wsFrame{Type: frameAck, RequestID: frame.RequestID, Payload: mustJSON(ackPayload{Status: "ok"})})
}

func (s *wsSession) command(ctx context.Context, frame wsFrame) {
	if s.sub == nil {
		s.writeError(frame.RequestID, notJoined())
		return
	}
	var payload commandPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.writeError(frame.RequestID, apperrors.WithReason(apperrors.CodeValidation, command.ReasonPayloadInvalid, "invalid command payload"))
		return
	}

	result, err := s.hub.Submit(ctx, s.actor, command.Command{
		CampaignID: s.campaignID,
		Type:       payload.Type,
		RequestID:  frame.RequestID,
		Payload:    payload.Payload,
	})
	if err != nil {
		s.writeError(frame.RequestID, err)
		return
	}
	_ = s.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackPayload{
			Status:    "applied",
			Version:   result.Version,
			Duplicate: result.Duplicate,
		}),
	})
}

func (s *wsSession) writeError(requestID string, err error) {
	_ = s.peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(errorPayload(err, s.notices, s.tag)),
	})
}

// viewKey identifies the projection an actor receives. A resume is only valid
// when it matches the key of the join that produced the client's version.
func viewKey(actor authz.Actor) string {
	owned := slices.Clone(actor.OwnedCharacterIDs)
	slices.Sort(owned)
	owned = slices.Compact(owned)
	return actor.UserID + "|" + string(actor.Role) + "|" + strings.Join(owned, ",")
}

func notJoined() error {
	return apperrors.WithReason(apperrors.CodeForbidden, reasonNotJoined, "must join a campaign first")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
