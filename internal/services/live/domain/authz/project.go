package authz

import (
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
)

// ProjectCombat returns the combat state actor may see. The result never
// shares memory with state.
//
// For players, hidden entries they do not own are removed and the turn index
// is remapped onto the filtered list. When the current entry is itself
// invisible, CurrentTurn is -1 and CurrentEntryID is empty.
func ProjectCombat(actor Actor, state combat.State) combat.State {
	out := state.Clone()
	if actor.IsDM() {
		return out
	}

	currentID := state.CurrentEntryID
	if !state.IsActive && state.CurrentTurn >= 0 && state.CurrentTurn < len(state.Entries) {
		currentID = state.Entries[state.CurrentTurn].ID
	}
	entries := make([]combat.Entry, 0, len(out.Entries))
	turn := -1
	for _, entry := range out.Entries {
		if !CanSee(actor, entry.IsHidden, entry.CharacterID) {
			continue
		}
		if entry.ID == currentID {
			turn = len(entries)
		}
		entry.Seq = 0
		entries = append(entries, entry)
	}
	out.Entries = entries
	out.NextSeq = 0
	if !state.IsActive {
		// Historical display only; an invisible last entry reads as turn 0.
		out.CurrentEntryID = ""
		out.CurrentTurn = max(turn, 0)
		return out
	}
	out.CurrentTurn = turn
	if turn < 0 {
		out.CurrentEntryID = ""
	}
	return out
}

// ProjectMap returns the battle map actor may see. visibleCombat is the
// combat state already projected for actor; highlight links to entries
// missing from it are stripped.
func ProjectMap(actor Actor, m battlemap.Map, visibleCombat combat.State) battlemap.Map {
	out := m.Clone()
	if actor.IsDM() {
		return out
	}

	visibleEntries := make(map[string]struct{}, len(visibleCombat.Entries))
	for _, entry := range visibleCombat.Entries {
		visibleEntries[entry.ID] = struct{}{}
	}
	tokens := make([]battlemap.Token, 0, len(out.Tokens))
	for _, token := range out.Tokens {
		if !CanSee(actor, token.IsHidden, token.CharacterID) {
			continue
		}
		if token.InitiativeEntryID != "" {
			if _, ok := visibleEntries[token.InitiativeEntryID]; !ok {
				token.InitiativeEntryID = ""
			}
		}
		tokens = append(tokens, token)
	}
	out.Tokens = tokens
	return out
}
