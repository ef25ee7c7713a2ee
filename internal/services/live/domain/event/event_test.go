package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

var (
	dm     = authz.Actor{UserID: "dm", Role: authz.RoleDM}
	player = authz.Actor{UserID: "p1", Role: authz.RolePlayer, OwnedCharacterIDs: []string{"X"}}
)

func hiddenCombat() combat.State {
	return combat.State{
		Entries: []combat.Entry{
			{ID: "A", Type: combat.TypePC, Name: "Ana", InitiativeRoll: 15, CharacterID: "X"},
			{ID: "M", Type: combat.TypeMonster, Name: "Mimic", InitiativeRoll: 10, IsHidden: true},
		},
	}
}

func hiddenMap() battlemap.Map {
	return battlemap.Map{GridWidth: 4, GridHeight: 4, GridSquareSizeFt: 5, Tokens: []battlemap.Token{
		{ID: "t-ana", Name: "Ana", CharacterID: "X", X: 1, Y: 1},
		{ID: "t-mimic", Name: "Mimic", IsHidden: true, X: 9, Y: 9, OutOfBounds: true},
		{ID: "t-chest", Name: "Chest", InitiativeEntryID: "M"},
	}}
}

func TestSnapshotProjectHidesForPlayers(t *testing.T) {
	snapshot := Snapshot{
		CampaignID: "c1",
		Version:    7,
		Stage: StageView{Stage: stage.StageRecap, CurrentSession: &stage.Session{
			ID: "s1", Statistics: json.RawMessage(`{"secret":"Mimic"}`),
		}},
		Combat: hiddenCombat(),
		Map:    hiddenMap(),
	}

	got := snapshot.Project(player)
	payload, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(payload), "Mimic") {
		t.Fatalf("player snapshot leaks hidden data: %s", payload)
	}
	if got.Version != 7 || got.Map.Tokens[1].InitiativeEntryID != "" {
		t.Fatalf("projected snapshot = %+v", got)
	}

	full := snapshot.Project(dm)
	if len(full.Combat.Entries) != 2 || len(full.Map.Tokens) != 3 || full.Stage.CurrentSession.Statistics == nil {
		t.Fatalf("dm snapshot = %+v", full)
	}
	if snapshot.Stage.CurrentSession.Statistics == nil {
		t.Fatal("projection mutated canonical session")
	}
}

func TestEventProjectTokenUpdate(t *testing.T) {
	m := hiddenMap()
	evt := Event{
		CampaignID:      "c1",
		Version:         3,
		Type:            TypeTokenUpdated,
		Timestamp:       time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC),
		Map:             &m,
		FlaggedTokenIDs: []string{"t-mimic"},
	}

	got := evt.Project(player, hiddenCombat())
	if got.Combat != nil {
		t.Fatal("token event should not gain combat")
	}
	if len(got.Map.Tokens) != 2 || got.FlaggedTokenIDs != nil {
		t.Fatalf("projected map = %+v flagged = %v", got.Map, got.FlaggedTokenIDs)
	}
	if got.Map.Tokens[1].InitiativeEntryID != "" {
		t.Fatalf("chest keeps hidden link: %+v", got.Map.Tokens[1])
	}

	dmView := evt.Project(dm, hiddenCombat())
	if len(dmView.FlaggedTokenIDs) != 1 || dmView.Map.Tokens[2].InitiativeEntryID != "M" {
		t.Fatalf("dm event = %+v", dmView)
	}
}

func TestEventProjectStageChanged(t *testing.T) {
	c := hiddenCombat()
	m := hiddenMap()
	view := NewStageView(stage.Machine{Stage: stage.StageLive, CurrentSession: &stage.Session{ID: "s1"}, LastSessionNumber: 1})
	evt := Event{Type: TypeStageChanged, Stage: view, Combat: &c, Map: &m}

	got := evt.Project(player, c)
	if got.Stage.Stage != stage.StageLive || len(got.Combat.Entries) != 1 || len(got.Map.Tokens) != 2 {
		t.Fatalf("projected = %+v", got)
	}
	if len(evt.Combat.Entries) != 2 {
		t.Fatal("projection mutated canonical event")
	}
}

func TestNewStageViewNormalizesPrep(t *testing.T) {
	if got := NewStageView(stage.Machine{}); got.Stage != stage.StagePrep {
		t.Fatalf("stage = %s, want %s", got.Stage, stage.StagePrep)
	}
}
