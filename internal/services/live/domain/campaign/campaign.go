// Package campaign holds the canonical live state of one campaign and the
// single entry point that validates, authorizes and applies a command to it.
package campaign

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

// CarryOver decides what startSession keeps from the previous session.
type CarryOver string

const (
	// CarryOverRetain keeps entries and tokens and resets combat counters.
	CarryOverRetain CarryOver = "retain"
	// CarryOverReset empties entries and tokens. Grid settings are kept.
	CarryOverReset CarryOver = "reset"
)

// ParseCarryOver validates a carry-over policy label.
func ParseCarryOver(value string) (CarryOver, error) {
	switch policy := CarryOver(strings.ToLower(strings.TrimSpace(value))); policy {
	case "", CarryOverRetain:
		return CarryOverRetain, nil
	case CarryOverReset:
		return CarryOverReset, nil
	default:
		return "", fmt.Errorf("unknown carry-over policy %q", value)
	}
}

// State is the canonical aggregate of one campaign.
type State struct {
	ID          string        `json:"id"`
	OwnerUserID string        `json:"ownerUserId,omitempty"`
	Stage       stage.Machine `json:"stage"`
	Combat      combat.State  `json:"combat"`
	Map         battlemap.Map `json:"map"`
	Version     int64         `json:"version"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// New returns the initial state of a campaign that has never been opened.
func New(id string) State {
	return State{
		ID:     id,
		Stage:  stage.Machine{Stage: stage.StagePrep},
		Combat: combat.State{Entries: []combat.Entry{}},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Stage = s.Stage.Clone()
	s.Combat = s.Combat.Clone()
	s.Map = s.Map.Clone()
	return s
}

// Snapshot returns the unprojected snapshot of s. It never shares memory with s.
func (s State) Snapshot() event.Snapshot {
	clone := s.Clone()
	return event.Snapshot{
		CampaignID: clone.ID,
		Version:    clone.Version,
		Stage:      *event.NewStageView(clone.Stage),
		Combat:     clone.Combat,
		Map:        clone.Map,
		UpdatedAt:  clone.UpdatedAt,
	}
}

// CheckOwner rejects a DM actor that is not the recorded campaign owner.
func (s State) CheckOwner(actor authz.Actor) error {
	if actor.IsDM() && s.OwnerUserID != "" && actor.UserID != s.OwnerUserID {
		return apperrors.WithReason(apperrors.CodeForbidden, authz.ReasonDenyOwnerMismatch,
			fmt.Sprintf("user %s is not the owner of campaign %s", actor.UserID, s.ID))
	}
	return nil
}

// Options configures Handle.
type Options struct {
	Now         func() time.Time
	NewID       func() (string, error)
	CarryOver   CarryOver
	MapDefaults battlemap.Defaults
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now().UTC()
}

func (o Options) newID() (string, error) {
	if o.NewID == nil {
		return "", apperrors.New(apperrors.CodeInternal, "id generator is not configured")
	}
	id, err := o.NewID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "generate id", err)
	}
	return id, nil
}

func (o Options) defaults() battlemap.Defaults {
	if o.MapDefaults.GridWidth < 1 || o.MapDefaults.GridHeight < 1 {
		return battlemap.DefaultDefaults()
	}
	return o.MapDefaults
}
