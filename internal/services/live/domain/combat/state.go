package combat

// EntryType classifies a combatant.
type EntryType string

const (
	TypePC      EntryType = "pc"
	TypeNPC     EntryType = "npc"
	TypeMonster EntryType = "monster"
	TypeOther   EntryType = "other"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case TypePC, TypeNPC, TypeMonster, TypeOther:
		return true
	}
	return false
}

// Entry is one combatant's turn-order record.
type Entry struct {
	ID              string    `json:"id"`
	Type            EntryType `json:"type"`
	Name            string    `json:"name"`
	InitiativeRoll  int       `json:"initiativeRoll"`
	InitiativeBonus int       `json:"initiativeBonus"`
	// CurrentHP and MaxHP are both set or both nil; 0 <= CurrentHP <= MaxHP.
	CurrentHP  *int     `json:"currentHp,omitempty"`
	MaxHP      *int     `json:"maxHp,omitempty"`
	AC         *int     `json:"ac,omitempty"`
	Conditions []string `json:"conditions"`
	IsHidden   bool     `json:"isHidden"`
	// IsLocked freezes player HP edits on the entry.
	IsLocked    bool   `json:"isLocked"`
	CharacterID string `json:"characterId,omitempty"`
	Notes       string `json:"notes,omitempty"`
	// Seq is the insertion order used to break initiative ties.
	Seq int64 `json:"seq,omitempty"`
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.CurrentHP = cloneInt(e.CurrentHP)
	e.MaxHP = cloneInt(e.MaxHP)
	e.AC = cloneInt(e.AC)
	if e.Conditions != nil {
		conditions := make([]string, len(e.Conditions))
		copy(conditions, e.Conditions)
		e.Conditions = conditions
	}
	return e
}

// State is the campaign's combat tracker.
//
// Entries are kept sorted by InitiativeRoll descending, ties by Seq. While
// IsActive, 0 <= CurrentTurn < len(Entries).
type State struct {
	Entries     []Entry `json:"entries"`
	Round       int     `json:"round"`
	CurrentTurn int     `json:"currentTurn"`
	IsActive    bool    `json:"isActive"`
	// CurrentEntryID names the entry whose turn it is; empty when inactive.
	CurrentEntryID string `json:"currentEntryId,omitempty"`
	NextSeq        int64  `json:"nextSeq,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s.Entries != nil {
		entries := make([]Entry, len(s.Entries))
		for i, entry := range s.Entries {
			entries[i] = entry.Clone()
		}
		s.Entries = entries
	}
	return s
}

// Find returns the entry with id and its index.
func (s State) Find(id string) (Entry, int, bool) {
	for i, entry := range s.Entries {
		if entry.ID == id {
			return entry, i, true
		}
	}
	return Entry{}, -1, false
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
