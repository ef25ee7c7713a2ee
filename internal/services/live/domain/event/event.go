// Package event defines outbound live-session events and snapshots and their
// per-recipient projection.
package event

import (
	"time"

	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

// Type names an outbound event.
type Type string

const (
	TypeStageChanged      Type = "stage-changed"
	TypeInitiativeUpdated Type = "initiative-updated"
	TypeTokenUpdated      Type = "token-updated"
)

// StageView is the stage portion of events and snapshots.
type StageView struct {
	Stage             stage.Stage    `json:"stage"`
	CurrentSession    *stage.Session `json:"currentSession,omitempty"`
	LastSessionNumber int            `json:"lastSessionNumber"`
}

// NewStageView copies the stage machine into a view.
func NewStageView(m stage.Machine) *StageView {
	m = m.Normalize().Clone()
	return &StageView{
		Stage:             m.Stage,
		CurrentSession:    m.CurrentSession,
		LastSessionNumber: m.LastSessionNumber,
	}
}

// Event is one committed change. Exactly the parts named by Type are set;
// stage-changed carries all three so clients can swap panels in one step.
type Event struct {
	CampaignID  string    `json:"campaignId"`
	Version     int64     `json:"version"`
	Type        Type      `json:"type"`
	CommandType string    `json:"commandType"`
	ActorID     string    `json:"actorId,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	Stage  *StageView     `json:"stage,omitempty"`
	Combat *combat.State  `json:"combat,omitempty"`
	Map    *battlemap.Map `json:"map,omitempty"`
	// FlaggedTokenIDs lists tokens a grid resize left outside the map.
	FlaggedTokenIDs []string `json:"flaggedTokenIds,omitempty"`
}

// Snapshot is the full canonical state of a campaign at Version.
type Snapshot struct {
	CampaignID string        `json:"campaignId"`
	Version    int64         `json:"version"`
	Stage      StageView     `json:"stage"`
	Combat     combat.State  `json:"combat"`
	Map        battlemap.Map `json:"map"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Project returns the snapshot actor may see.
func (s Snapshot) Project(actor authz.Actor) Snapshot {
	out := s
	out.Stage = projectStage(actor, s.Stage)
	out.Combat = authz.ProjectCombat(actor, s.Combat)
	out.Map = authz.ProjectMap(actor, s.Map, out.Combat)
	return out
}

// Project returns the event actor may receive. canonicalCombat is the combat
// state after the event, used to strip map links to invisible entries when
// the event itself does not carry combat.
func (e Event) Project(actor authz.Actor, canonicalCombat combat.State) Event {
	out := e
	if e.Stage != nil {
		view := projectStage(actor, *e.Stage)
		out.Stage = &view
	}
	visible := authz.ProjectCombat(actor, canonicalCombat)
	if e.Combat != nil {
		projected := authz.ProjectCombat(actor, *e.Combat)
		out.Combat = &projected
		visible = projected
	}
	if e.Map != nil {
		projected := authz.ProjectMap(actor, *e.Map, visible)
		out.Map = &projected
		out.FlaggedTokenIDs = visibleIDs(e.FlaggedTokenIDs, projected)
	}
	return out
}

func projectStage(actor authz.Actor, view StageView) StageView {
	if view.CurrentSession == nil {
		return view
	}
	session := view.CurrentSession.Clone()
	if !actor.IsDM() {
		session.Statistics = nil
	}
	view.CurrentSession = &session
	return view
}

func visibleIDs(ids []string, m battlemap.Map) []string {
	if len(ids) == 0 {
		return nil
	}
	var out []string
	for _, id := range ids {
		if _, _, ok := m.Find(id); ok {
			out = append(out, id)
		}
	}
	return out
}
