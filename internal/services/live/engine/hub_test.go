package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testCampaign = "camp-1"

var (
	dm     = authz.Actor{UserID: "dm-1", Role: authz.RoleDM}
	player = authz.Actor{UserID: "player-1", Role: authz.RolePlayer, OwnedCharacterIDs: []string{"char-1"}}
)

func newTestHub(t *testing.T, store storage.Store, mutate func(*Config)) *Hub {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	var ids atomic.Int64
	cfg := Config{
		Store: store,
		Options: campaign.Options{
			Now: func() time.Time { return time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC) },
			NewID: func() (string, error) {
				return fmt.Sprintf("gen-%d", ids.Add(1)), nil
			},
			CarryOver: campaign.CarryOverRetain,
			MapDefaults: battlemap.Defaults{
				GridWidth:        10,
				GridHeight:       10,
				GridSquareSizeFt: 5,
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hub, err := NewHub(cfg)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(hub.Close)
	return hub
}

func newCommand(t *testing.T, typ command.Type, requestID string, payload any) command.Command {
	t.Helper()
	cmd := command.Command{CampaignID: testCampaign, Type: typ, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		cmd.Payload = data
	}
	return cmd
}

func mustSubmit(t *testing.T, hub *Hub, actor authz.Actor, cmd command.Command) Result {
	t.Helper()
	result, err := hub.Submit(context.Background(), actor, cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Type, err)
	}
	return result
}

func mustSubscribe(t *testing.T, hub *Hub, actor authz.Actor) *Subscription {
	t.Helper()
	sub, err := hub.Subscribe(context.Background(), testCampaign, actor)
	if err != nil {
		t.Fatalf("subscribe %s: %v", actor.UserID, err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func nextMessage(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func intPtr(v int) *int { return &v }

func addEntryPayload(id, name string, roll int, hidden bool, characterID string) command.AddEntryPayload {
	return command.AddEntryPayload{
		ID:             id,
		Type:           combat.TypeMonster,
		Name:           name,
		InitiativeRoll: intPtr(roll),
		IsHidden:       hidden,
		CharacterID:    characterID,
	}
}

func TestSubscribeStartsWithSnapshot(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	sub := mustSubscribe(t, hub, dm)

	msg := nextMessage(t, sub)
	if msg.Kind != MessageSnapshot || msg.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", msg)
	}
	if msg.Version != 0 || sub.Version() != 0 {
		t.Fatalf("version = %d/%d, want 0", msg.Version, sub.Version())
	}
	if msg.Snapshot.Stage.Stage != "prep" {
		t.Fatalf("stage = %q, want prep", msg.Snapshot.Stage.Stage)
	}
}

func TestEventsReachEverySubscriberInVersionOrder(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	dmSub := mustSubscribe(t, hub, dm)
	playerSub := mustSubscribe(t, hub, player)
	nextMessage(t, dmSub)
	nextMessage(t, playerSub)

	results := []Result{
		mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "r1", nil)),
		mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "r2", addEntryPayload("A", "Orc", 12, false, ""))),
		mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "r3", addEntryPayload("B", "Goblin", 15, false, ""))),
	}
	for i, result := range results {
		if result.Version != int64(i+1) {
			t.Fatalf("result %d version = %d, want %d", i, result.Version, i+1)
		}
	}

	for _, sub := range []*Subscription{dmSub, playerSub} {
		var last int64
		for i := 0; i < len(results); i++ {
			msg := nextMessage(t, sub)
			if msg.Kind != MessageEvent {
				t.Fatalf("message kind = %s, want event", msg.Kind)
			}
			if msg.Version <= last {
				t.Fatalf("version %d after %d", msg.Version, last)
			}
			last = msg.Version
		}
		if last != 3 {
			t.Fatalf("last version = %d, want 3", last)
		}
	}
}

func TestHiddenEntryNeverReachesPlayer(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	dmSub := mustSubscribe(t, hub, dm)
	playerSub := mustSubscribe(t, hub, player)
	nextMessage(t, dmSub)
	nextMessage(t, playerSub)

	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "", addEntryPayload("H", "Assassin", 18, true, "")))
	nextMessage(t, dmSub)
	nextMessage(t, playerSub)

	dmEvent := nextMessage(t, dmSub).Event
	playerEvent := nextMessage(t, playerSub).Event
	if dmEvent == nil || playerEvent == nil {
		t.Fatal("expected initiative events")
	}
	if len(dmEvent.Combat.Entries) != 1 {
		t.Fatalf("dm entries = %d, want 1", len(dmEvent.Combat.Entries))
	}
	if len(playerEvent.Combat.Entries) != 0 {
		t.Fatalf("player entries = %+v, want none", playerEvent.Combat.Entries)
	}
	if dmEvent.Version != playerEvent.Version {
		t.Fatalf("versions differ: dm %d player %d", dmEvent.Version, playerEvent.Version)
	}

	snapshot, err := hub.Snapshot(context.Background(), testCampaign, player)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Combat.Entries) != 0 {
		t.Fatalf("player snapshot entries = %+v, want none", snapshot.Combat.Entries)
	}
}

func TestRejectionReachesOnlySender(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	dmSub := mustSubscribe(t, hub, dm)
	nextMessage(t, dmSub)

	_, err := hub.Submit(context.Background(), player, newCommand(t, command.TypeStartSession, "", nil))
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	result := mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	if result.Version != 1 {
		t.Fatalf("version = %d, want 1", result.Version)
	}
	if msg := nextMessage(t, dmSub); msg.Version != 1 {
		t.Fatalf("next message version = %d, want 1", msg.Version)
	}
}

func TestConcurrentHPUpdatesAreSerialized(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	entry := addEntryPayload("pc-1", "Aria", 14, false, "char-1")
	entry.Type = combat.TypePC
	entry.CurrentHP = intPtr(100)
	entry.MaxHP = intPtr(100)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "", entry))

	const writers = 40
	cmds := make([]command.Command, writers)
	for i := range cmds {
		cmds[i] = newCommand(t, command.TypeUpdateEntry, fmt.Sprintf("hp-%d", i), command.UpdateEntryPayload{
			ID:    "pc-1",
			Patch: combat.Patch{HPDelta: intPtr(-1)},
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := dm
			if i%2 == 0 {
				actor = player
			}
			result, err := hub.Submit(context.Background(), actor, cmds[i])
			if err != nil {
				errs <- err
				return
			}
			versions <- result.Version
		}(i)
	}
	wg.Wait()
	close(errs)
	close(versions)
	for err := range errs {
		t.Fatalf("update: %v", err)
	}

	seen := map[int64]bool{}
	for version := range versions {
		if seen[version] {
			t.Fatalf("version %d assigned twice", version)
		}
		seen[version] = true
	}

	snapshot, err := hub.Snapshot(context.Background(), testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := *snapshot.Combat.Entries[0].CurrentHP; got != 100-writers {
		t.Fatalf("current hp = %d, want %d", got, 100-writers)
	}
	if snapshot.Version != int64(2+writers) {
		t.Fatalf("version = %d, want %d", snapshot.Version, 2+writers)
	}
}

func TestRepeatedRequestIDIsNotReapplied(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	cmd := newCommand(t, command.TypeAddEntry, "retry-1", addEntryPayload("", "Orc", 12, false, ""))

	first := mustSubmit(t, hub, dm, cmd)
	second := mustSubmit(t, hub, dm, cmd)
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("duplicate flags = %v/%v, want false/true", first.Duplicate, second.Duplicate)
	}
	if first.Version != second.Version {
		t.Fatalf("versions = %d/%d, want equal", first.Version, second.Version)
	}

	snapshot, err := hub.Snapshot(context.Background(), testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Combat.Entries) != 1 || snapshot.Version != 2 {
		t.Fatalf("entries = %d version = %d, want 1 and 2", len(snapshot.Combat.Entries), snapshot.Version)
	}

	// The same request id from another actor is a different request.
	if _, err := hub.Submit(context.Background(), player, cmd); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestIdempotencyWindowIsBounded(t *testing.T) {
	hub := newTestHub(t, nil, func(cfg *Config) { cfg.IdempotencyWindow = 2 })
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "s", nil))
	for _, id := range []string{"a", "b", "c"} {
		mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, id, addEntryPayload("", "Orc", 10, false, "")))
	}
	again := mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "a", addEntryPayload("", "Orc", 10, false, "")))
	if again.Duplicate {
		t.Fatal("expected evicted request id to be applied again")
	}
	if again.Version != 5 {
		t.Fatalf("version = %d, want 5", again.Version)
	}
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := newTestHub(t, nil, func(cfg *Config) {
		cfg.SubscriberBuffer = 2
		cfg.Metrics = metrics
	})
	slow := mustSubscribe(t, hub, dm)
	fast := mustSubscribe(t, hub, player)
	nextMessage(t, fast)

	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	nextMessage(t, fast)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "", addEntryPayload("A", "Orc", 12, false, "")))
	nextMessage(t, fast)

	var kinds []MessageKind
	for msg := range slow.Messages() {
		kinds = append(kinds, msg.Kind)
	}
	if len(kinds) != 2 || kinds[0] != MessageSnapshot || kinds[1] != MessageEvent {
		t.Fatalf("slow subscriber got %v, want snapshot then one event", kinds)
	}
	if !errors.Is(slow.Err(), ErrResyncRequired) {
		t.Fatalf("err = %v, want resync required", slow.Err())
	}
	if got := testutil.ToFloat64(metrics.dropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}

	mustSubmit(t, hub, dm, newCommand(t, command.TypeEndSession, "", nil))
	if msg := nextMessage(t, fast); msg.Version != 3 {
		t.Fatalf("fast subscriber version = %d, want 3", msg.Version)
	}
}

func TestSyncDeliversSnapshotInBand(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	sub := mustSubscribe(t, hub, dm)
	nextMessage(t, sub)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))

	if err := sub.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if msg := nextMessage(t, sub); msg.Kind != MessageEvent || msg.Version != 1 {
		t.Fatalf("message = %+v, want event v1 first", msg)
	}
	msg := nextMessage(t, sub)
	if msg.Kind != MessageSnapshot || msg.Version != 1 {
		t.Fatalf("message = %+v, want snapshot v1", msg)
	}

	mustSubmit(t, hub, dm, newCommand(t, command.TypeEndSession, "", nil))
	if msg := nextMessage(t, sub); msg.Version <= 1 {
		t.Fatalf("event after snapshot has version %d", msg.Version)
	}
}

func TestIdleChannelIsReleasedAndReloaded(t *testing.T) {
	store := storage.NewMemory()
	hub := newTestHub(t, store, func(cfg *Config) { cfg.IdleTimeout = 20 * time.Millisecond })
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))

	deadline := time.Now().Add(2 * time.Second)
	for hub.Channels() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snapshot, err := hub.Snapshot(context.Background(), testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Version != 1 || snapshot.Stage.Stage != "live" {
		t.Fatalf("reloaded snapshot = v%d %s, want v1 live", snapshot.Version, snapshot.Stage.Stage)
	}
	result := mustSubmit(t, hub, dm, newCommand(t, command.TypeEndSession, "", nil))
	if result.Version != 2 {
		t.Fatalf("version = %d, want 2", result.Version)
	}
}

func TestSubscribedChannelIsNotReleased(t *testing.T) {
	hub := newTestHub(t, nil, func(cfg *Config) { cfg.IdleTimeout = 10 * time.Millisecond })
	sub := mustSubscribe(t, hub, dm)
	nextMessage(t, sub)
	time.Sleep(50 * time.Millisecond)
	if hub.Channels() != 1 {
		t.Fatalf("channels = %d, want 1", hub.Channels())
	}
}

type failingStore struct {
	*storage.Memory
	saveErr error
	release chan struct{}
}

func (s *failingStore) SaveCampaign(ctx context.Context, state campaign.State) error {
	if s.release != nil {
		<-s.release
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Memory.SaveCampaign(ctx, state)
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{Memory: storage.NewMemory(), saveErr: errors.New("disk full")}
	hub := newTestHub(t, store, nil)
	sub := mustSubscribe(t, hub, dm)
	nextMessage(t, sub)

	_, err := hub.Submit(context.Background(), dm, newCommand(t, command.TypeStartSession, "", nil))
	if apperrors.CodeOf(err) != apperrors.CodeInternal {
		t.Fatalf("code = %s, want INTERNAL", apperrors.CodeOf(err))
	}
	snapshot, err := hub.Snapshot(context.Background(), testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Version != 0 || snapshot.Stage.Stage != "prep" {
		t.Fatalf("snapshot = v%d %s, want v0 prep", snapshot.Version, snapshot.Stage.Stage)
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected broadcast %+v", msg)
	default:
	}
}

func TestSubmitTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	store := &failingStore{Memory: storage.NewMemory(), release: release}
	hub := newTestHub(t, store, func(cfg *Config) { cfg.CommandTimeout = 30 * time.Millisecond })
	t.Cleanup(func() { close(release) })

	_, err := hub.Submit(context.Background(), dm, newCommand(t, command.TypeStartSession, "", nil))
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if !apperrors.CodeOf(err).Retryable() {
		t.Fatal("expected timeout to be retryable")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func TestPublisherGetsUnprojectedEvents(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("bus down")}
	hub := newTestHub(t, nil, func(cfg *Config) { cfg.Publisher = publisher })

	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	result := mustSubmit(t, hub, dm, newCommand(t, command.TypeAddEntry, "", addEntryPayload("H", "Assassin", 18, true, "")))
	if result.Version != 2 {
		t.Fatalf("version = %d, want 2", result.Version)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.events) != 2 {
		t.Fatalf("published = %d, want 2", len(publisher.events))
	}
	last := publisher.events[1]
	if last.Type != event.TypeInitiativeUpdated || len(last.Combat.Entries) != 1 || !last.Combat.Entries[0].IsHidden {
		t.Fatalf("published event = %+v, want unprojected hidden entry", last)
	}
}

func TestSessionHistoryAndStatistics(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	ctx := context.Background()
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))
	mustSubmit(t, hub, dm, newCommand(t, command.TypeEndSession, "", nil))

	if _, err := hub.ListSessions(ctx, testCampaign, player); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("player list err = %v, want forbidden", err)
	}
	sessions, err := hub.ListSessions(ctx, testCampaign, dm)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "gen-1" {
		t.Fatalf("sessions = %+v", sessions)
	}

	stats := json.RawMessage(`{"rounds":4}`)
	if err := hub.PutStatistics(ctx, testCampaign, "gen-1", player, stats); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("player put err = %v, want forbidden", err)
	}
	if err := hub.PutStatistics(ctx, testCampaign, "missing", dm, stats); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("missing session err = %v, want not found", err)
	}
	if err := hub.PutStatistics(ctx, testCampaign, "gen-1", dm, json.RawMessage(`[]`)); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("array statistics err = %v, want validation", err)
	}
	if err := hub.PutStatistics(ctx, testCampaign, "gen-1", dm, stats); err != nil {
		t.Fatalf("put statistics: %v", err)
	}

	sessions, err = hub.ListSessions(ctx, testCampaign, dm)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if string(sessions[0].Statistics) != `{"rounds":4}` {
		t.Fatalf("listed statistics = %s", sessions[0].Statistics)
	}
}

func TestStatisticsDoNotChangeVersionedState(t *testing.T) {
	store := storage.NewMemory()
	hub := newTestHub(t, store, func(cfg *Config) { cfg.IdleTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))

	before, err := hub.Snapshot(ctx, testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := hub.PutStatistics(ctx, testCampaign, "gen-1", dm, json.RawMessage(`{"rounds":2}`)); err != nil {
		t.Fatalf("put statistics: %v", err)
	}
	after, err := hub.Snapshot(ctx, testCampaign, dm)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed at v%d: before %+v after %+v", before.Version, before.Stage, after.Stage)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Channels() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	reloaded, err := hub.Snapshot(ctx, testCampaign, dm)
	if err != nil {
		t.Fatalf("reloaded snapshot: %v", err)
	}
	if reloaded.Version != before.Version || reloaded.Stage.CurrentSession.Statistics != nil {
		t.Fatalf("reloaded v%d statistics = %s", reloaded.Version, reloaded.Stage.CurrentSession.Statistics)
	}
}

func TestOtherDMCannotJoinOwnedCampaign(t *testing.T) {
	hub := newTestHub(t, nil, nil)
	mustSubmit(t, hub, dm, newCommand(t, command.TypeStartSession, "", nil))

	intruder := authz.Actor{UserID: "dm-2", Role: authz.RoleDM}
	if _, err := hub.Subscribe(context.Background(), testCampaign, intruder); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("subscribe err = %v, want forbidden", err)
	}
	stranger := authz.Actor{UserID: "x", Role: "spectator"}
	if _, err := hub.Snapshot(context.Background(), testCampaign, stranger); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("snapshot err = %v, want forbidden", err)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	store := storage.NewMemory()
	hub, err := NewHub(Config{Store: store})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	sub, err := hub.Subscribe(context.Background(), testCampaign, dm)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Close()

	for range sub.Messages() {
	}
	if !errors.Is(sub.Err(), ErrClosed) {
		t.Fatalf("err = %v, want closed", sub.Err())
	}
	if _, err := hub.Submit(context.Background(), dm, newCommand(t, command.TypeStartSession, "", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err = %v, want closed", err)
	}
	sub.Close()
	hub.Close()
}

func TestNewHubRequiresStore(t *testing.T) {
	if _, err := NewHub(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}
