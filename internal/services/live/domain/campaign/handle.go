package campaign

import (
	"fmt"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
)

// Rejection reasons raised by the aggregate itself.
const (
	ReasonCampaignMismatch = "COMMAND_CAMPAIGN_MISMATCH"
	ReasonEntryUnknown     = "TOKEN_ENTRY_UNKNOWN"
)

// Handle applies cmd for actor to state and returns the next state and the
// event to broadcast. On error the returned state is the input state and
// nothing was applied.
func Handle(state State, actor authz.Actor, cmd command.Command, opts Options) (State, event.Event, error) {
	if err := cmd.Validate(); err != nil {
		return state, event.Event{}, err
	}
	if cmd.CampaignID != state.ID {
		return state, event.Event{}, apperrors.WithReason(apperrors.CodeValidation, ReasonCampaignMismatch,
			fmt.Sprintf("command for campaign %s sent to %s", cmd.CampaignID, state.ID))
	}
	if err := state.CheckOwner(actor); err != nil {
		return state, event.Event{}, err
	}
	action := authz.Action(cmd.Type)
	if !authz.RequiresTarget(action) {
		if err := decisionError(authz.CanAct(actor, action, authz.Target{}), action); err != nil {
			return state, event.Event{}, err
		}
	}
	if cmd.Type.IsCombat() || cmd.Type.IsMap() {
		if err := state.Stage.RequireLive(string(cmd.Type)); err != nil {
			return state, event.Event{}, err
		}
	}

	next := state.Clone()
	h := handler{state: &next, actor: actor, cmd: cmd, opts: opts, now: opts.now()}
	evt, err := h.apply()
	if err != nil {
		return state, event.Event{}, err
	}

	if actor.IsDM() && next.OwnerUserID == "" {
		next.OwnerUserID = actor.UserID
	}
	next.Version = state.Version + 1
	next.UpdatedAt = h.now
	evt.CampaignID = next.ID
	evt.Version = next.Version
	evt.CommandType = string(cmd.Type)
	evt.ActorID = actor.UserID
	evt.RequestID = cmd.RequestID
	evt.Timestamp = h.now
	return next, evt, nil
}

type handler struct {
	state *State
	actor authz.Actor
	cmd   command.Command
	opts  Options
	now   time.Time
}

func (h handler) apply() (event.Event, error) {
	switch h.cmd.Type {
	case command.TypeStartSession:
		return h.startSession()
	case command.TypeEndSession:
		return h.endSession()
	case command.TypeReturnToPrep:
		return h.returnToPrep()
	case command.TypeAddEntry:
		return h.addEntry()
	case command.TypeUpdateEntry:
		return h.updateEntry()
	case command.TypeRemoveEntry:
		return h.removeEntry()
	case command.TypeStartCombat:
		return h.combatEvent(h.state.Combat.StartCombat())
	case command.TypeNextTurn:
		return h.combatEvent(h.state.Combat.NextTurn())
	case command.TypeEndCombat:
		return h.combatEvent(h.state.Combat.EndCombat())
	case command.TypeAddToken:
		return h.addToken()
	case command.TypeMoveToken:
		return h.moveToken()
	case command.TypeRemoveToken:
		return h.removeToken()
	case command.TypeUpdateToken:
		return h.updateToken()
	case command.TypeUpdateMapSettings:
		return h.updateMapSettings()
	default:
		return event.Event{}, apperrors.WithReason(apperrors.CodeValidation, command.ReasonTypeUnknown,
			fmt.Sprintf("unknown command type %q", h.cmd.Type))
	}
}

func (h handler) startSession() (event.Event, error) {
	sessionID, err := h.opts.newID()
	if err != nil {
		return event.Event{}, err
	}
	if _, err := h.state.Stage.StartSession(h.state.ID, sessionID, h.now); err != nil {
		return event.Event{}, err
	}
	switch h.opts.CarryOver {
	case CarryOverReset:
		h.state.Combat.Clear()
		h.state.Map.Clear()
	default:
		h.state.Combat.ResetCounters()
		h.state.Map.RefreshFlags()
	}
	if !h.state.Map.Exists() {
		h.state.Map = battlemap.New(h.opts.defaults())
	}
	return h.stageEvent(), nil
}

func (h handler) endSession() (event.Event, error) {
	if _, err := h.state.Stage.EndSession(h.now); err != nil {
		return event.Event{}, err
	}
	h.state.Combat.Deactivate()
	return h.stageEvent(), nil
}

func (h handler) returnToPrep() (event.Event, error) {
	if err := h.state.Stage.ReturnToPrep(); err != nil {
		return event.Event{}, err
	}
	return h.stageEvent(), nil
}

func (h handler) addEntry() (event.Event, error) {
	payload, err := command.Decode[command.AddEntryPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	if err := payload.Validate(); err != nil {
		return event.Event{}, err
	}
	id, err := h.idOrNew(payload.ID)
	if err != nil {
		return event.Event{}, err
	}
	return h.combatEvent(h.state.Combat.AddEntry(payload.Entry(id)))
}

func (h handler) updateEntry() (event.Event, error) {
	payload, err := command.Decode[command.UpdateEntryPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	entry, err := h.visibleEntry(payload.ID)
	if err != nil {
		return event.Event{}, err
	}
	decision := authz.CanAct(h.actor, authz.ActionUpdateEntry, authz.Target{
		CharacterID: entry.CharacterID,
		IsHidden:    entry.IsHidden,
		IsLocked:    entry.IsLocked,
		Fields:      payload.Patch.Fields(),
	})
	if err := decisionError(decision, authz.ActionUpdateEntry); err != nil {
		return event.Event{}, err
	}
	return h.combatEvent(h.state.Combat.UpdateEntry(entry.ID, payload.Patch))
}

func (h handler) removeEntry() (event.Event, error) {
	payload, err := command.Decode[command.EntryRefPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	if err := command.RequireID(payload.ID); err != nil {
		return event.Event{}, err
	}
	if err := h.state.Combat.RemoveEntry(payload.ID); err != nil {
		return event.Event{}, err
	}
	evt := event.Event{Type: event.TypeInitiativeUpdated, Combat: h.combatCopy()}
	if h.state.Map.UnlinkEntry(payload.ID) {
		evt.Map = h.mapCopy()
	}
	return evt, nil
}

func (h handler) addToken() (event.Event, error) {
	payload, err := command.Decode[command.AddTokenPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	if err := payload.Validate(); err != nil {
		return event.Event{}, err
	}
	if err := h.requireEntry(payload.InitiativeEntryID); err != nil {
		return event.Event{}, err
	}
	id, err := h.idOrNew(payload.ID)
	if err != nil {
		return event.Event{}, err
	}
	return h.mapEvent(h.state.Map.AddToken(payload.Token(id), h.opts.defaults()))
}

func (h handler) moveToken() (event.Event, error) {
	payload, err := command.Decode[command.MoveTokenPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	token, err := h.visibleToken(payload.ID)
	if err != nil {
		return event.Event{}, err
	}
	decision := authz.CanAct(h.actor, authz.ActionMoveToken, authz.Target{
		CharacterID: token.CharacterID,
		IsHidden:    token.IsHidden,
	})
	if err := decisionError(decision, authz.ActionMoveToken); err != nil {
		return event.Event{}, err
	}
	if err := payload.Validate(); err != nil {
		return event.Event{}, err
	}
	return h.mapEvent(h.state.Map.MoveToken(token.ID, *payload.X, *payload.Y))
}

func (h handler) removeToken() (event.Event, error) {
	payload, err := command.Decode[command.TokenRefPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	if err := command.RequireID(payload.ID); err != nil {
		return event.Event{}, err
	}
	return h.mapEvent(h.state.Map.RemoveToken(payload.ID))
}

func (h handler) updateToken() (event.Event, error) {
	payload, err := command.Decode[command.UpdateTokenPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	if err := command.RequireID(payload.ID); err != nil {
		return event.Event{}, err
	}
	if payload.Patch.InitiativeEntryID != nil {
		if err := h.requireEntry(*payload.Patch.InitiativeEntryID); err != nil {
			return event.Event{}, err
		}
	}
	return h.mapEvent(h.state.Map.UpdateToken(payload.ID, payload.Patch))
}

func (h handler) updateMapSettings() (event.Event, error) {
	payload, err := command.Decode[command.UpdateMapSettingsPayload](h.cmd.Payload)
	if err != nil {
		return event.Event{}, err
	}
	flagged, err := h.state.Map.UpdateSettings(payload)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Type: event.TypeTokenUpdated, Map: h.mapCopy(), FlaggedTokenIDs: flagged}, nil
}

// visibleEntry finds an entry the actor can see. Entries hidden from the actor
// are reported as missing so denials never confirm they exist.
func (h handler) visibleEntry(id string) (combat.Entry, error) {
	if err := command.RequireID(id); err != nil {
		return combat.Entry{}, err
	}
	entry, _, ok := h.state.Combat.Find(id)
	if !ok || !authz.CanSee(h.actor, entry.IsHidden, entry.CharacterID) {
		return combat.Entry{}, apperrors.WithReason(apperrors.CodeNotFound, combat.ReasonEntryNotFound,
			fmt.Sprintf("entry %s not found", id))
	}
	return entry, nil
}

func (h handler) visibleToken(id string) (battlemap.Token, error) {
	if err := command.RequireID(id); err != nil {
		return battlemap.Token{}, err
	}
	token, _, ok := h.state.Map.Find(id)
	if !ok || !authz.CanSee(h.actor, token.IsHidden, token.CharacterID) {
		return battlemap.Token{}, apperrors.WithReason(apperrors.CodeNotFound, battlemap.ReasonTokenNotFound,
			fmt.Sprintf("token %s not found", id))
	}
	return token, nil
}

func (h handler) requireEntry(entryID string) error {
	if entryID == "" {
		return nil
	}
	if _, _, ok := h.state.Combat.Find(entryID); !ok {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonEntryUnknown,
			fmt.Sprintf("initiative entry %s does not exist", entryID))
	}
	return nil
}

func (h handler) idOrNew(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return h.opts.newID()
}

func (h handler) stageEvent() event.Event {
	return event.Event{
		Type:   event.TypeStageChanged,
		Stage:  event.NewStageView(h.state.Stage),
		Combat: h.combatCopy(),
		Map:    h.mapCopy(),
	}
}

func (h handler) combatEvent(err error) (event.Event, error) {
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Type: event.TypeInitiativeUpdated, Combat: h.combatCopy()}, nil
}

func (h handler) mapEvent(err error) (event.Event, error) {
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Type: event.TypeTokenUpdated, Map: h.mapCopy()}, nil
}

func (h handler) combatCopy() *combat.State {
	c := h.state.Combat.Clone()
	return &c
}

func (h handler) mapCopy() *battlemap.Map {
	m := h.state.Map.Clone()
	return &m
}

func decisionError(decision authz.Decision, action authz.Action) error {
	if decision.Allowed {
		return nil
	}
	return apperrors.WithReason(apperrors.CodeForbidden, decision.Reason,
		fmt.Sprintf("%s denied: %s", action, decision.Reason))
}
