package combat

import (
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
)

// Rejection reasons attached to combat errors.
const (
	ReasonNameRequired     = "ENTRY_NAME_REQUIRED"
	ReasonTypeInvalid      = "ENTRY_TYPE_INVALID"
	ReasonIDRequired       = "ENTRY_ID_REQUIRED"
	ReasonIDDuplicate      = "ENTRY_ID_DUPLICATE"
	ReasonHPPairIncomplete = "ENTRY_HP_PAIR_INCOMPLETE"
	ReasonHPNegative       = "ENTRY_HP_NEGATIVE"
	ReasonHPConflict       = "ENTRY_HP_CONFLICT"
	ReasonConditionBlank   = "ENTRY_CONDITION_BLANK"
	ReasonEntryNotFound    = "ENTRY_NOT_FOUND"
	ReasonAlreadyActive    = "COMBAT_ALREADY_ACTIVE"
	ReasonNoEntries        = "COMBAT_NO_ENTRIES"
	ReasonNotActive        = "COMBAT_NOT_ACTIVE"
	ReasonEmptyPatch       = "ENTRY_PATCH_EMPTY"
)

// Patch is a partial update of an entry. Nil fields are left unchanged.
type Patch struct {
	Name            *string    `json:"name,omitempty"`
	Type            *EntryType `json:"type,omitempty"`
	InitiativeRoll  *int       `json:"initiativeRoll,omitempty"`
	InitiativeBonus *int       `json:"initiativeBonus,omitempty"`
	CurrentHP       *int       `json:"currentHp,omitempty"`
	HPDelta         *int       `json:"hpDelta,omitempty"`
	MaxHP           *int       `json:"maxHp,omitempty"`
	AC              *int       `json:"ac,omitempty"`
	Conditions      *[]string  `json:"conditions,omitempty"`
	IsHidden        *bool      `json:"isHidden,omitempty"`
	IsLocked        *bool      `json:"isLocked,omitempty"`
	CharacterID     *string    `json:"characterId,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// Fields lists the wire names of the fields present in p.
func (p Patch) Fields() []string {
	var fields []string
	add := func(present bool, name string) {
		if present {
			fields = append(fields, name)
		}
	}
	add(p.Name != nil, "name")
	add(p.Type != nil, "type")
	add(p.InitiativeRoll != nil, "initiativeRoll")
	add(p.InitiativeBonus != nil, "initiativeBonus")
	add(p.CurrentHP != nil, "currentHp")
	add(p.HPDelta != nil, "hpDelta")
	add(p.MaxHP != nil, "maxHp")
	add(p.AC != nil, "ac")
	add(p.Conditions != nil, "conditions")
	add(p.IsHidden != nil, "isHidden")
	add(p.IsLocked != nil, "isLocked")
	add(p.CharacterID != nil, "characterId")
	add(p.Notes != nil, "notes")
	return fields
}

// AddEntry validates entry, assigns its insertion sequence and inserts it in
// initiative order. The current turn keeps pointing at the same combatant.
func (s *State) AddEntry(entry Entry) error {
	entry.Name = strings.TrimSpace(entry.Name)
	if entry.ID == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonIDRequired, "entry id is required")
	}
	if entry.Name == "" {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonNameRequired, "entry name is required")
	}
	if !entry.Type.Valid() {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonTypeInvalid, fmt.Sprintf("entry type %q is invalid", entry.Type))
	}
	if _, _, exists := s.Find(entry.ID); exists {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonIDDuplicate, fmt.Sprintf("entry %s already exists", entry.ID))
	}
	if (entry.CurrentHP == nil) != (entry.MaxHP == nil) {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonHPPairIncomplete, "currentHp and maxHp must be set together")
	}
	if entry.MaxHP != nil {
		if *entry.MaxHP < 0 {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonHPNegative, "maxHp must not be negative")
		}
		entry.CurrentHP = intPtr(clamp(*entry.CurrentHP, 0, *entry.MaxHP))
	}
	conditions, err := normalizeConditions(entry.Conditions)
	if err != nil {
		return err
	}
	entry.Conditions = conditions

	s.NextSeq++
	entry.Seq = s.NextSeq
	s.Entries = append(s.Entries, entry)
	s.resort()
	return nil
}

// RemoveEntry deletes the entry with id.
func (s *State) RemoveEntry(id string) error {
	_, index, ok := s.Find(id)
	if !ok {
		return entryNotFound(id)
	}
	s.Entries = append(s.Entries[:index], s.Entries[index+1:]...)
	if len(s.Entries) == 0 {
		s.IsActive = false
		s.CurrentTurn = 0
		s.CurrentEntryID = ""
		return nil
	}
	if index <= s.CurrentTurn && s.CurrentTurn > 0 {
		s.CurrentTurn--
	}
	if s.CurrentTurn >= len(s.Entries) {
		s.CurrentTurn = len(s.Entries) - 1
	}
	s.syncCurrentEntry()
	return nil
}

// UpdateEntry applies patch to the entry with id. Callers authorize the patch
// fields before calling.
func (s *State) UpdateEntry(id string, patch Patch) error {
	_, index, ok := s.Find(id)
	if !ok {
		return entryNotFound(id)
	}
	if len(patch.Fields()) == 0 {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonEmptyPatch, "patch has no fields")
	}
	if patch.CurrentHP != nil && patch.HPDelta != nil {
		return apperrors.WithReason(apperrors.CodeValidation, ReasonHPConflict, "currentHp and hpDelta are mutually exclusive")
	}

	entry := s.Entries[index].Clone()
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonNameRequired, "entry name is required")
		}
		entry.Name = name
	}
	if patch.Type != nil {
		if !patch.Type.Valid() {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonTypeInvalid, fmt.Sprintf("entry type %q is invalid", *patch.Type))
		}
		entry.Type = *patch.Type
	}
	if patch.InitiativeBonus != nil {
		entry.InitiativeBonus = *patch.InitiativeBonus
	}
	if patch.MaxHP != nil {
		if *patch.MaxHP < 0 {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonHPNegative, "maxHp must not be negative")
		}
		if entry.CurrentHP == nil {
			entry.CurrentHP = intPtr(*patch.MaxHP)
		}
		entry.MaxHP = intPtr(*patch.MaxHP)
		entry.CurrentHP = intPtr(clamp(*entry.CurrentHP, 0, *entry.MaxHP))
	}
	if patch.CurrentHP != nil || patch.HPDelta != nil {
		if entry.MaxHP == nil {
			return apperrors.WithReason(apperrors.CodeValidation, ReasonHPPairIncomplete, "entry has no maxHp")
		}
		next := *entry.CurrentHP
		if patch.CurrentHP != nil {
			next = *patch.CurrentHP
		} else {
			next = addSaturating(next, *patch.HPDelta)
		}
		entry.CurrentHP = intPtr(clamp(next, 0, *entry.MaxHP))
	}
	if patch.AC != nil {
		entry.AC = intPtr(*patch.AC)
	}
	if patch.Conditions != nil {
		conditions, err := normalizeConditions(*patch.Conditions)
		if err != nil {
			return err
		}
		entry.Conditions = conditions
	}
	if patch.IsHidden != nil {
		entry.IsHidden = *patch.IsHidden
	}
	if patch.IsLocked != nil {
		entry.IsLocked = *patch.IsLocked
	}
	if patch.CharacterID != nil {
		entry.CharacterID = strings.TrimSpace(*patch.CharacterID)
	}
	if patch.Notes != nil {
		entry.Notes = *patch.Notes
	}

	resort := false
	if patch.InitiativeRoll != nil && *patch.InitiativeRoll != entry.InitiativeRoll {
		entry.InitiativeRoll = *patch.InitiativeRoll
		resort = true
	}
	s.Entries[index] = entry
	if resort {
		s.resort()
	}
	return nil
}

// StartCombat activates the tracker at round 1 on the first entry.
func (s *State) StartCombat() error {
	if s.IsActive {
		return apperrors.WithReason(apperrors.CodeInvalidTransition, ReasonAlreadyActive, "combat is already active")
	}
	if len(s.Entries) == 0 {
		return apperrors.WithReason(apperrors.CodeInvalidTransition, ReasonNoEntries, "combat needs at least one entry")
	}
	s.IsActive = true
	s.Round = 1
	s.CurrentTurn = 0
	s.syncCurrentEntry()
	return nil
}

// NextTurn advances to the next entry, incrementing the round on wrap.
func (s *State) NextTurn() error {
	if !s.IsActive || len(s.Entries) == 0 {
		return apperrors.WithReason(apperrors.CodeInvalidTransition, ReasonNotActive, "combat is not active")
	}
	s.CurrentTurn = (s.CurrentTurn + 1) % len(s.Entries)
	if s.CurrentTurn == 0 {
		s.Round++
	}
	s.syncCurrentEntry()
	return nil
}

// EndCombat deactivates the tracker. Round and turn are kept for display.
func (s *State) EndCombat() error {
	if !s.IsActive {
		return apperrors.WithReason(apperrors.CodeInvalidTransition, ReasonNotActive, "combat is not active")
	}
	s.Deactivate()
	return nil
}

// Deactivate stops combat without touching counters or entries.
func (s *State) Deactivate() {
	s.IsActive = false
	s.CurrentEntryID = ""
}

// ResetCounters deactivates combat and zeroes round and turn, keeping entries.
func (s *State) ResetCounters() {
	s.Deactivate()
	s.Round = 0
	s.CurrentTurn = 0
}

// Clear removes every entry and resets counters. The sequence counter keeps
// increasing so insertion order stays reproducible.
func (s *State) Clear() {
	s.ResetCounters()
	s.Entries = []Entry{}
}

func (s *State) resort() {
	currentID := s.CurrentEntryID
	sort.SliceStable(s.Entries, func(i, j int) bool {
		a, b := s.Entries[i], s.Entries[j]
		if a.InitiativeRoll != b.InitiativeRoll {
			return a.InitiativeRoll > b.InitiativeRoll
		}
		return a.Seq < b.Seq
	})
	if !s.IsActive {
		return
	}
	s.CurrentTurn = 0
	if currentID != "" {
		if _, index, ok := s.Find(currentID); ok {
			s.CurrentTurn = index
		}
	}
	s.syncCurrentEntry()
}

func (s *State) syncCurrentEntry() {
	if !s.IsActive || s.CurrentTurn < 0 || s.CurrentTurn >= len(s.Entries) {
		s.CurrentEntryID = ""
		return
	}
	s.CurrentEntryID = s.Entries[s.CurrentTurn].ID
}

func normalizeConditions(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, condition := range in {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			return nil, apperrors.WithReason(apperrors.CodeValidation, ReasonConditionBlank, "condition names must not be blank")
		}
		if _, ok := seen[condition]; ok {
			continue
		}
		seen[condition] = struct{}{}
		out = append(out, condition)
	}
	return out, nil
}

func entryNotFound(id string) error {
	return apperrors.WithReason(apperrors.CodeNotFound, ReasonEntryNotFound, fmt.Sprintf("entry %s not found", id))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// addSaturating adds b to a, pinning the result at the int range instead of
// wrapping.
func addSaturating(a, b int) int {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return math.MaxInt
	case b < 0 && a < math.MinInt-b:
		return math.MinInt
	}
	return a + b
}

func intPtr(v int) *int {
	return &v
}
