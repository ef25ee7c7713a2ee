package authz

import (
	"slices"
	"strings"
)

// Role is the actor's role within a campaign.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDM || r == RolePlayer
}

// ParseRole normalizes a role label.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	return role, role.Valid()
}

// Actor is an authenticated user acting on one campaign.
type Actor struct {
	UserID            string
	Role              Role
	OwnedCharacterIDs []string
}

// IsDM reports whether the actor holds the DM role.
func (a Actor) IsDM() bool {
	return a.Role == RoleDM
}

// Owns reports whether characterID is one of the actor's characters. An empty
// id is never owned.
func (a Actor) Owns(characterID string) bool {
	if characterID == "" {
		return false
	}
	return slices.Contains(a.OwnedCharacterIDs, characterID)
}

// Action is a write action. Values match command type names.
type Action string

const (
	ActionStartSession      Action = "startSession"
	ActionEndSession        Action = "endSession"
	ActionReturnToPrep      Action = "returnToPrep"
	ActionAddEntry          Action = "addEntry"
	ActionUpdateEntry       Action = "updateEntry"
	ActionRemoveEntry       Action = "removeEntry"
	ActionStartCombat       Action = "startCombat"
	ActionNextTurn          Action = "nextTurn"
	ActionEndCombat         Action = "endCombat"
	ActionAddToken          Action = "addToken"
	ActionMoveToken         Action = "moveToken"
	ActionRemoveToken       Action = "removeToken"
	ActionUpdateToken       Action = "updateToken"
	ActionUpdateMapSettings Action = "updateMapSettings"
	ActionReadSessions      Action = "readSessions"
	ActionWriteStatistics   Action = "writeStatistics"
)

// Reason codes returned with every decision.
const (
	ReasonAllowDM             = "ALLOW_DM"
	ReasonAllowOwnedToken     = "ALLOW_OWNED_TOKEN"
	ReasonAllowOwnedEntryHP   = "ALLOW_OWNED_ENTRY_HP"
	ReasonDenyDMRequired      = "DENY_DM_REQUIRED"
	ReasonDenyNotOwner        = "DENY_NOT_OWNER"
	ReasonDenyEntryNotOwner   = "DENY_ENTRY_NOT_OWNER"
	ReasonDenyFieldRestricted = "DENY_FIELD_RESTRICTED"
	ReasonDenyEntryLocked     = "DENY_ENTRY_LOCKED"
	ReasonDenyTokenHidden     = "DENY_TOKEN_HIDDEN"
	ReasonDenyOwnerMismatch   = "DENY_OWNER_MISMATCH"
	ReasonDenyUnknownRole     = "DENY_UNKNOWN_ROLE"
	ReasonDenyUnknownAction   = "DENY_UNKNOWN_ACTION"
)

// Rule names the player-side guard for an action.
type Rule string

const (
	// RuleDMOnly allows only the DM.
	RuleDMOnly Rule = "dm_only"
	// RuleOwnedVisibleToken allows players on tokens of their own characters
	// that are not hidden.
	RuleOwnedVisibleToken Rule = "owned_visible_token"
	// RuleOwnedEntryHP allows players to patch HP on unlocked entries of their
	// own characters.
	RuleOwnedEntryHP Rule = "owned_entry_hp"
)

// PolicyRow is one entry of the permission matrix.
type PolicyRow struct {
	Action Action
	Role   Role
	Rule   Rule
}

var playerRules = map[Action]Rule{
	ActionMoveToken:   RuleOwnedVisibleToken,
	ActionUpdateEntry: RuleOwnedEntryHP,
}

var actions = []Action{
	ActionStartSession, ActionEndSession, ActionReturnToPrep,
	ActionAddEntry, ActionUpdateEntry, ActionRemoveEntry,
	ActionStartCombat, ActionNextTurn, ActionEndCombat,
	ActionAddToken, ActionMoveToken, ActionRemoveToken, ActionUpdateToken,
	ActionUpdateMapSettings, ActionReadSessions, ActionWriteStatistics,
}

// PolicyTable returns the rows that can allow an action. Actions absent for a
// role are always denied for it.
func PolicyTable() []PolicyRow {
	rows := make([]PolicyRow, 0, len(actions)+len(playerRules))
	for _, action := range actions {
		rows = append(rows, PolicyRow{Action: action, Role: RoleDM, Rule: RuleDMOnly})
		if rule, ok := playerRules[action]; ok {
			rows = append(rows, PolicyRow{Action: action, Role: RolePlayer, Rule: rule})
		}
	}
	return rows
}

// KnownAction reports whether action is in the policy table.
func KnownAction(action Action) bool {
	return slices.Contains(actions, action)
}

// RequiresTarget reports whether a player may be allowed the action, which
// means the decision depends on the target entity.
func RequiresTarget(action Action) bool {
	_, ok := playerRules[action]
	return ok
}

// Target describes the entity a write acts on.
type Target struct {
	CharacterID string
	IsHidden    bool
	IsLocked    bool
	// Fields lists the patched wire fields for updateEntry.
	Fields []string
}

// Decision is the outcome of CanAct.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

var playerHPFields = map[string]struct{}{
	"currentHp": {},
	"hpDelta":   {},
}

// CanAct evaluates whether actor may perform action against target.
func CanAct(actor Actor, action Action, target Target) Decision {
	if !KnownAction(action) {
		return deny(ReasonDenyUnknownAction)
	}
	switch actor.Role {
	case RoleDM:
		return allow(ReasonAllowDM)
	case RolePlayer:
	default:
		return deny(ReasonDenyUnknownRole)
	}

	switch playerRules[action] {
	case RuleOwnedVisibleToken:
		if !actor.Owns(target.CharacterID) {
			return deny(ReasonDenyNotOwner)
		}
		if target.IsHidden {
			return deny(ReasonDenyTokenHidden)
		}
		return allow(ReasonAllowOwnedToken)
	case RuleOwnedEntryHP:
		if !actor.Owns(target.CharacterID) {
			return deny(ReasonDenyEntryNotOwner)
		}
		if target.IsLocked {
			return deny(ReasonDenyEntryLocked)
		}
		if len(target.Fields) == 0 {
			return deny(ReasonDenyFieldRestricted)
		}
		for _, field := range target.Fields {
			if _, ok := playerHPFields[field]; !ok {
				return deny(ReasonDenyFieldRestricted)
			}
		}
		return allow(ReasonAllowOwnedEntryHP)
	default:
		return deny(ReasonDenyDMRequired)
	}
}

// CanSee reports whether actor may see an entity with the given visibility.
func CanSee(actor Actor, isHidden bool, characterID string) bool {
	if actor.IsDM() || !isHidden {
		return true
	}
	return actor.Owns(characterID)
}
