// Package battlemap holds the campaign grid and its positioned tokens.
package battlemap

import (
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
)

// TokenType classifies a token. It mirrors the combat entry types.
type TokenType string

const (
	TypePC      TokenType = "pc"
	TypeNPC     TokenType = "npc"
	TypeMonster TokenType = "monster"
	TypeOther   TokenType = "other"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TypePC, TypeNPC, TypeMonster, TypeOther:
		return true
	}
	return false
}

// Rejection reasons attached to map errors.
const (
	ReasonCoordinateOutOfRange = "COORDINATE_OUT_OF_RANGE"
	ReasonTokenNotFound        = "TOKEN_NOT_FOUND"
	ReasonTokenIDRequired      = "TOKEN_ID_REQUIRED"
	ReasonTokenIDDuplicate     = "TOKEN_ID_DUPLICATE"
	ReasonTokenNameRequired    = "TOKEN_NAME_REQUIRED"
	ReasonTokenTypeInvalid     = "TOKEN_TYPE_INVALID"
	ReasonGridInvalid          = "GRID_INVALID"
	ReasonPatchEmpty           = "TOKEN_PATCH_EMPTY"
)

// Token is a positioned marker on the grid.
type Token struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     TokenType `json:"type"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Color    string    `json:"color"`
	IsHidden bool      `json:"isHidden"`
	// CharacterID ties the token to a player-owned character.
	CharacterID string `json:"characterId,omitempty"`
	// InitiativeEntryID is a highlight link only, never an ownership relation.
	InitiativeEntryID string `json:"initiativeEntryId,omitempty"`
	// OutOfBounds is set when a grid resize left the token outside the map.
	OutOfBounds bool `json:"outOfBounds,omitempty"`
}

// Map is the campaign battle map.
type Map struct {
	GridWidth          int     `json:"gridWidth"`
	GridHeight         int     `json:"gridHeight"`
	GridSquareSizeFt   int     `json:"gridSquareSizeFt"`
	BackgroundImageURL string  `json:"backgroundImageUrl,omitempty"`
	Tokens             []Token `json:"tokens"`
}

// Settings replaces the grid definition.
type Settings struct {
	GridWidth          int     `json:"gridWidth"`
	GridHeight         int     `json:"gridHeight"`
	GridSquareSizeFt   int     `json:"gridSquareSizeFt"`
	BackgroundImageURL *string `json:"backgroundImageUrl,omitempty"`
}

// TokenPatch is a partial update of token metadata. Position changes go
// through MoveToken.
type TokenPatch struct {
	Name              *string `json:"name,omitempty"`
	Color             *string `json:"color,omitempty"`
	IsHidden          *bool   `json:"isHidden,omitempty"`
	CharacterID       *string `json:"characterId,omitempty"`
	InitiativeEntryID *string `json:"initiativeEntryId,omitempty"`
}

func (p TokenPatch) empty() bool {
	return p.Name == nil && p.Color == nil && p.IsHidden == nil && p.CharacterID == nil && p.InitiativeEntryID == nil
}

// New returns an empty map sized from defaults.
func New(defaults Defaults) Map {
	return Map{
		GridWidth:        defaults.GridWidth,
		GridHeight:       defaults.GridHeight,
		GridSquareSizeFt: defaults.GridSquareSizeFt,
		Tokens:           []Token{},
	}
}

// Exists reports whether the map has been initialized.
func (m Map) Exists() bool {
	return m.GridWidth >= 1 && m.GridHeight >= 1
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	if m.Tokens != nil {
		tokens := make([]Token, len(m.Tokens))
		copy(tokens, m.Tokens)
		m.Tokens = tokens
	}
	return m
}

// InBounds reports whether (x, y) is a cell of the grid.
func (m Map) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.GridWidth && y < m.GridHeight
}

// Find returns the token with id and its index.
func (m Map) Find(id string) (Token, int, bool) {
	for i, token := range m.Tokens {
		if token.ID == id {
			return token, i, true
		}
	}
	return Token{}, -1, false
}

// AddToken places token on the grid. An empty color is filled from defaults.
func (m *Map) AddToken(token Token, defaults Defaults) error {
	token.Name = strings.TrimSpace(token.Name)
	if token.ID == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTokenIDRequired, "token id is required")
	}
	if token.Name == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTokenNameRequired, "token name is required")
	}
	if !token.Type.Valid() {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTokenTypeInvalid, fmt.Sprintf("token type %q is invalid", token.Type))
	}
	if _, _, exists := m.Find(token.ID); exists {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTokenIDDuplicate, fmt.Sprintf("token %s already exists", token.ID))
	}
	if err := m.checkBounds(token.X, token.Y); err != nil {
		return err
	}
	if strings.TrimSpace(token.Color) == "" {
		token.Color = defaults.ColorFor(token.Type)
	}
	token.OutOfBounds = false
	m.Tokens = append(m.Tokens, token)
	return nil
}

// MoveToken repositions the token with id. Any in-bounds cell is valid.
func (m *Map) MoveToken(id string, x, y int) error {
	_, index, ok := m.Find(id)
	if !ok {
		return tokenNotFound(id)
	}
	if err := m.checkBounds(x, y); err != nil {
		return err
	}
	m.Tokens[index].X = x
	m.Tokens[index].Y = y
	m.Tokens[index].OutOfBounds = false
	return nil
}

// RemoveToken deletes the token with id.
func (m *Map) RemoveToken(id string) error {
	_, index, ok := m.Find(id)
	if !ok {
		return tokenNotFound(id)
	}
	m.Tokens = append(m.Tokens[:index], m.Tokens[index+1:]...)
	return nil
}

// UpdateToken applies patch to the token with id.
func (m *Map) UpdateToken(id string, patch TokenPatch) error {
	_, index, ok := m.Find(id)
	if !ok {
		return tokenNotFound(id)
	}
	if patch.empty() {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonPatchEmpty, "patch has no fields")
	}
	token := m.Tokens[index]
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonTokenNameRequired, "token name is required")
		}
		token.Name = name
	}
	if patch.Color != nil {
		token.Color = strings.TrimSpace(*patch.Color)
	}
	if patch.IsHidden != nil {
		token.IsHidden = *patch.IsHidden
	}
	if patch.CharacterID != nil {
		token.CharacterID = strings.TrimSpace(*patch.CharacterID)
	}
	if patch.InitiativeEntryID != nil {
		token.InitiativeEntryID = strings.TrimSpace(*patch.InitiativeEntryID)
	}
	m.Tokens[index] = token
	return nil
}

// UpdateSettings replaces the grid definition. Tokens outside the new bounds
// are flagged and left in place; their ids are returned.
func (m *Map) UpdateSettings(settings Settings) ([]string, error) {
	if settings.GridWidth < 1 || settings.GridHeight < 1 {
		return nil, apperrors.WithReason(apperrors.CodeValidation, ReasonGridInvalid, "grid dimensions must be at least 1")
	}
	if settings.GridSquareSizeFt <= 0 {
		return nil, apperrors.WithReason(apperrors.CodeValidation, ReasonGridInvalid, "grid square size must be positive")
	}
	m.GridWidth = settings.GridWidth
	m.GridHeight = settings.GridHeight
	m.GridSquareSizeFt = settings.GridSquareSizeFt
	if settings.BackgroundImageURL != nil {
		m.BackgroundImageURL = strings.TrimSpace(*settings.BackgroundImageURL)
	}

	var flagged []string
	for i := range m.Tokens {
		out := !m.InBounds(m.Tokens[i].X, m.Tokens[i].Y)
		m.Tokens[i].OutOfBounds = out
		if out {
			flagged = append(flagged, m.Tokens[i].ID)
		}
	}
	return flagged, nil
}

// RefreshFlags recomputes every out-of-bounds flag against the current grid.
func (m *Map) RefreshFlags() {
	for i := range m.Tokens {
		m.Tokens[i].OutOfBounds = !m.InBounds(m.Tokens[i].X, m.Tokens[i].Y)
	}
}

// Clear removes every token and keeps the grid.
func (m *Map) Clear() {
	m.Tokens = []Token{}
}

// UnlinkEntry drops highlight links to a removed initiative entry and reports
// whether any token changed.
func (m *Map) UnlinkEntry(entryID string) bool {
	changed := false
	for i := range m.Tokens {
		if m.Tokens[i].InitiativeEntryID == entryID {
			m.Tokens[i].InitiativeEntryID = ""
			changed = true
		}
	}
	return changed
}

func (m Map) checkBounds(x, y int) error {
	if m.InBounds(x, y) {
		return nil
	}
	return apperrors.WithReason(apperrors.CodeOutOfBounds, ReasonCoordinateOutOfRange,
		fmt.Sprintf("(%d, %d) is outside the %dx%d grid", x, y, m.GridWidth, m.GridHeight))
}

func tokenNotFound(id string) error {
	return apperrors.WithReason(apperrors.CodeNotFound, ReasonTokenNotFound, fmt.Sprintf("token %s not found", id))
}
