// Package command defines the inbound live-session commands and their payloads.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
)

// Type names a command.
type Type string

const (
	TypeStartSession      Type = "startSession"
	TypeEndSession        Type = "endSession"
	TypeReturnToPrep      Type = "returnToPrep"
	TypeAddEntry          Type = "addEntry"
	TypeUpdateEntry       Type = "updateEntry"
	TypeRemoveEntry       Type = "removeEntry"
	TypeStartCombat       Type = "startCombat"
	TypeNextTurn          Type = "nextTurn"
	TypeEndCombat         Type = "endCombat"
	TypeAddToken          Type = "addToken"
	TypeMoveToken         Type = "moveToken"
	TypeRemoveToken       Type = "removeToken"
	TypeUpdateToken       Type = "updateToken"
	TypeUpdateMapSettings Type = "updateMapSettings"
)

// Rejection reasons for malformed commands.
const (
	ReasonTypeUnknown       = "COMMAND_TYPE_UNKNOWN"
	ReasonPayloadInvalid    = "COMMAND_PAYLOAD_INVALID"
	ReasonFieldRequired     = "COMMAND_FIELD_REQUIRED"
	ReasonCampaignRequired  = "COMMAND_CAMPAIGN_REQUIRED"
	ReasonRequestIDTooLong  = "COMMAND_REQUEST_ID_TOO_LONG"
	ReasonInitiativeMissing = "ENTRY_INITIATIVE_REQUIRED"
)

// MaxRequestIDLength bounds client request ids.
const MaxRequestIDLength = 128

var known = map[Type]struct{}{
	TypeStartSession: {}, TypeEndSession: {}, TypeReturnToPrep: {},
	TypeAddEntry: {}, TypeUpdateEntry: {}, TypeRemoveEntry: {},
	TypeStartCombat: {}, TypeNextTurn: {}, TypeEndCombat: {},
	TypeAddToken: {}, TypeMoveToken: {}, TypeRemoveToken: {}, TypeUpdateToken: {},
	TypeUpdateMapSettings: {},
}

// Known reports whether t is a supported command type.
func (t Type) Known() bool {
	_, ok := known[t]
	return ok
}

// IsStage reports whether t drives the stage machine.
func (t Type) IsStage() bool {
	return t == TypeStartSession || t == TypeEndSession || t == TypeReturnToPrep
}

// IsCombat reports whether t mutates the combat tracker.
func (t Type) IsCombat() bool {
	switch t {
	case TypeAddEntry, TypeUpdateEntry, TypeRemoveEntry, TypeStartCombat, TypeNextTurn, TypeEndCombat:
		return true
	}
	return false
}

// IsMap reports whether t mutates the battle map.
func (t Type) IsMap() bool {
	switch t {
	case TypeAddToken, TypeMoveToken, TypeRemoveToken, TypeUpdateToken, TypeUpdateMapSettings:
		return true
	}
	return false
}

// Command is one client request against a campaign.
type Command struct {
	CampaignID string          `json:"campaignId"`
	Type       Type            `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope. Payloads are checked by the handler.
func (c Command) Validate() error {
	if strings.TrimSpace(c.CampaignID) == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonCampaignRequired, "campaign id is required")
	}
	if !c.Type.Known() {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTypeUnknown, fmt.Sprintf("unknown command type %q", c.Type))
	}
	if len(c.RequestID) > MaxRequestIDLength {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonRequestIDTooLong, "request id is too long")
	}
	return nil
}

// AddEntryPayload creates an initiative entry. The server assigns the id when
// it is empty.
type AddEntryPayload struct {
	ID              string           `json:"id,omitempty"`
	Type            combat.EntryType `json:"type"`
	Name            string           `json:"name"`
	InitiativeRoll  *int             `json:"initiativeRoll"`
	InitiativeBonus int              `json:"initiativeBonus,omitempty"`
	CurrentHP       *int             `json:"currentHp,omitempty"`
	MaxHP           *int             `json:"maxHp,omitempty"`
	AC              *int             `json:"ac,omitempty"`
	Conditions      []string         `json:"conditions,omitempty"`
	IsHidden        bool             `json:"isHidden,omitempty"`
	IsLocked        bool             `json:"isLocked,omitempty"`
	CharacterID     string           `json:"characterId,omitempty"`
	Notes           string           `json:"notes,omitempty"`
}

// Validate checks required fields that the tracker cannot see.
func (p AddEntryPayload) Validate() error {
	if p.InitiativeRoll == nil {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonInitiativeMissing, "initiativeRoll is required")
	}
	return nil
}

// Entry converts the payload into a tracker entry with id.
func (p AddEntryPayload) Entry(id string) combat.Entry {
	return combat.Entry{
		ID:              id,
		Type:            p.Type,
		Name:            p.Name,
		InitiativeRoll:  *p.InitiativeRoll,
		InitiativeBonus: p.InitiativeBonus,
		CurrentHP:       p.CurrentHP,
		MaxHP:           p.MaxHP,
		AC:              p.AC,
		Conditions:      p.Conditions,
		IsHidden:        p.IsHidden,
		IsLocked:        p.IsLocked,
		CharacterID:     strings.TrimSpace(p.CharacterID),
		Notes:           p.Notes,
	}
}

// UpdateEntryPayload patches an initiative entry.
type UpdateEntryPayload struct {
	ID    string       `json:"id"`
	Patch combat.Patch `json:"patch"`
}

// EntryRefPayload addresses an entry by id.
type EntryRefPayload struct {
	ID string `json:"id"`
}

// AddTokenPayload places a token. The server assigns the id when it is empty.
type AddTokenPayload struct {
	ID                string              `json:"id,omitempty"`
	Name              string              `json:"name"`
	Type              battlemap.TokenType `json:"type"`
	X                 *int                `json:"x"`
	Y                 *int                `json:"y"`
	Color             string              `json:"color,omitempty"`
	IsHidden          bool                `json:"isHidden,omitempty"`
	CharacterID       string              `json:"characterId,omitempty"`
	InitiativeEntryID string              `json:"initiativeEntryId,omitempty"`
}

// Validate checks that coordinates are present.
func (p AddTokenPayload) Validate() error {
	if p.X == nil || p.Y == nil {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonFieldRequired, "x and y are required")
	}
	return nil
}

// Token converts the payload into a map token with id.
func (p AddTokenPayload) Token(id string) battlemap.Token {
	return battlemap.Token{
		ID:                id,
		Name:              p.Name,
		Type:              p.Type,
		X:                 *p.X,
		Y:                 *p.Y,
		Color:             p.Color,
		IsHidden:          p.IsHidden,
		CharacterID:       strings.TrimSpace(p.CharacterID),
		InitiativeEntryID: strings.TrimSpace(p.InitiativeEntryID),
	}
}

// MoveTokenPayload repositions a token.
type MoveTokenPayload struct {
	ID string `json:"id"`
	X  *int   `json:"x"`
	Y  *int   `json:"y"`
}

// Validate checks that coordinates are present.
func (p MoveTokenPayload) Validate() error {
	if p.X == nil || p.Y == nil {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonFieldRequired, "x and y are required")
	}
	return nil
}

// TokenRefPayload addresses a token by id.
type TokenRefPayload struct {
	ID string `json:"id"`
}

// UpdateTokenPayload patches token metadata.
type UpdateTokenPayload struct {
	ID    string               `json:"id"`
	Patch battlemap.TokenPatch `json:"patch"`
}

// UpdateMapSettingsPayload replaces the grid definition.
type UpdateMapSettingsPayload = battlemap.Settings

// Decode strictly parses a command payload into T. Unknown fields, trailing
// data and type mismatches such as a fractional initiative roll are
// validation errors. An empty payload decodes to the zero value.
func Decode[T any](payload json.RawMessage) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, payloadError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return out, apperrors.WithReason(apperrors.CodeValidation, ReasonPayloadInvalid, "payload has trailing data")
	}
	return out, nil
}

// RequireID returns a validation error when id is blank.
func RequireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonFieldRequired, "id is required")
	}
	return nil
}

func payloadError(err error) error {
	message := "payload is malformed"
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		message = fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return &apperrors.Error{
		Code:     apperrors.CodeValidation,
		Message:  message,
		Metadata: map[string]string{apperrors.MetadataReason: ReasonPayloadInvalid},
		Cause:    err,
	}
}
