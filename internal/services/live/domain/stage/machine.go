// Package stage owns the campaign phase and the active session record.
package stage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
)

// Stage is the campaign macro-phase.
type Stage string

const (
	StagePrep  Stage = "prep"
	StageLive  Stage = "live"
	StageRecap Stage = "recap"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Rejection reasons attached to stage errors.
const (
	ReasonNotInPrep        = "STAGE_NOT_PREP"
	ReasonNotLive          = "STAGE_NOT_LIVE"
	ReasonNotInRecap       = "STAGE_NOT_RECAP"
	ReasonSessionIDMissing = "SESSION_ID_REQUIRED"
)

// Session is one played session of a campaign.
type Session struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaignId"`
	SessionNumber int           `json:"sessionNumber"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	// Statistics is written by recap tooling and never interpreted here.
	Statistics json.RawMessage `json:"statistics,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		s.CompletedAt = &completed
	}
	if s.Statistics != nil {
		s.Statistics = append(json.RawMessage(nil), s.Statistics...)
	}
	return s
}

// Machine is the stage state of one campaign.
type Machine struct {
	Stage Stage `json:"stage"`
	// CurrentSession is the active session while live and the just-ended one
	// during recap. It is nil in prep.
	CurrentSession    *Session `json:"currentSession,omitempty"`
	LastSessionNumber int      `json:"lastSessionNumber"`
}

// Normalize fills the zero stage with prep.
func (m Machine) Normalize() Machine {
	if m.Stage == "" {
		m.Stage = StagePrep
	}
	return m
}

// Clone returns a deep copy of m.
func (m Machine) Clone() Machine {
	if m.CurrentSession != nil {
		session := m.CurrentSession.Clone()
		m.CurrentSession = &session
	}
	return m
}

// StartSession moves prep to live and opens the next numbered session.
func (m *Machine) StartSession(campaignID, sessionID string, now time.Time) (Session, error) {
	current := m.Normalize().Stage
	if current != StagePrep {
		return Session{}, invalid(ReasonNotInPrep, "start session", current)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, apperrors.WithReason(apperrors.CodeValidation, ReasonSessionIDMissing, "session id is required")
	}
	session := Session{
		ID:            sessionID,
		CampaignID:    campaignID,
		SessionNumber: m.LastSessionNumber + 1,
		Status:        SessionActive,
		StartedAt:     now.UTC(),
	}
	m.Stage = StageLive
	m.LastSessionNumber = session.SessionNumber
	m.CurrentSession = &session
	return session.Clone(), nil
}

// EndSession moves live to recap and completes the active session.
func (m *Machine) EndSession(now time.Time) (Session, error) {
	current := m.Normalize().Stage
	if current != StageLive || m.CurrentSession == nil {
		return Session{}, invalid(ReasonNotLive, "end session", current)
	}
	completed := now.UTC()
	m.Stage = StageRecap
	m.CurrentSession.Status = SessionCompleted
	m.CurrentSession.CompletedAt = &completed
	return m.CurrentSession.Clone(), nil
}

// ReturnToPrep moves recap to prep and clears the current session pointer.
func (m *Machine) ReturnToPrep() error {
	current := m.Normalize().Stage
	if current != StageRecap {
		return invalid(ReasonNotInRecap, "return to prep", current)
	}
	m.Stage = StagePrep
	m.CurrentSession = nil
	return nil
}

// RequireLive returns InvalidTransition unless the campaign is live.
func (m Machine) RequireLive(action string) error {
	current := m.Normalize().Stage
	if current != StageLive {
		return invalid(ReasonNotLive, action, current)
	}
	return nil
}

func invalid(reason, action string, current Stage) error {
	return apperrors.WithReason(apperrors.CodeInvalidTransition, reason,
		fmt.Sprintf("cannot %s while stage is %s", action, current))
}
