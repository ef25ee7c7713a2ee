// Package client keeps a local view of one campaign in step with the live
// server: optimistic predictions on top of the last confirmed state, replaced
// by the server's ordered events and snapshots.
package client

import (
	"slices"
	"sync"
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
)

// ErrVersionGap reports an event that skipped versions. The view is stale
// until the next snapshot.
var ErrVersionGap = apperrors.New(apperrors.CodeUnavailable, "event version gap")

// View is what the client renders.
type View struct {
	CampaignID string
	Version    int64
	Stage      event.StageView
	Combat     combat.State
	Map        battlemap.Map
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	if v.Stage.CurrentSession != nil {
		session := v.Stage.CurrentSession.Clone()
		v.Stage.CurrentSession = &session
	}
	v.Combat = v.Combat.Clone()
	v.Map = v.Map.Clone()
	return v
}

// Prediction mutates a copy of the confirmed view the way the client expects
// the server to. It must not keep references to the view.
type Prediction func(view *View)

type pending struct {
	requestID string
	predict   Prediction
	deadline  time.Time
	// ackedAt is the version the server acknowledged, 0 until then.
	ackedAt int64
}

// Reconciler merges server truth with local predictions. It is safe for
// concurrent use.
type Reconciler struct {
	userID  string
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	confirmed View
	synced    bool
	buffered  []event.Event
	pending   []pending
}

// NewReconciler returns a reconciler for userID's own commands. Predictions
// not confirmed within timeout are rolled back by Expire.
func NewReconciler(userID string, timeout time.Duration, now func() time.Time) *Reconciler {
	if timeout <= 0 {
		timeout = timeouts.CommandAck
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{userID: userID, timeout: timeout, now: now}
}

// Synced reports whether the confirmed view is backed by a snapshot on the
// current connection.
func (r *Reconciler) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Version returns the confirmed version.
func (r *Reconciler) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.Version
}

// Confirmed returns the last server-confirmed view.
func (r *Reconciler) Confirmed() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.Clone()
}

// View returns the confirmed view with every outstanding prediction applied
// in submission order.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := r.confirmed.Clone()
	for _, p := range r.pending {
		if p.predict != nil {
			p.predict(&view)
		}
	}
	return view
}

// Pending returns the request ids of outstanding predictions.
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for _, p := range r.pending {
		ids = append(ids, p.requestID)
	}
	return ids
}

// ApplySnapshot replaces the confirmed view. A snapshot older than the
// confirmed view is ignored once synced. Events buffered while waiting for
// the snapshot are replayed when newer and dropped otherwise.
func (r *Reconciler) ApplySnapshot(snapshot event.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.synced && snapshot.Version < r.confirmed.Version {
		return false
	}
	r.confirmed = View{
		CampaignID: snapshot.CampaignID,
		Version:    snapshot.Version,
		Stage:      snapshot.Stage,
		Combat:     snapshot.Combat.Clone(),
		Map:        snapshot.Map.Clone(),
	}
	if snapshot.Stage.CurrentSession != nil {
		session := snapshot.Stage.CurrentSession.Clone()
		r.confirmed.Stage.CurrentSession = &session
	}
	r.synced = true

	buffered := r.buffered
	r.buffered = nil
	for _, evt := range buffered {
		if evt.Version == r.confirmed.Version+1 {
			r.apply(evt)
		}
	}
	r.settle()
	return true
}

// ApplyEvent folds evt into the confirmed view. It reports false for a stale
// event (version not above the confirmed one) or one buffered until the next
// snapshot, and ErrVersionGap when versions were skipped.
func (r *Reconciler) ApplyEvent(evt event.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.synced {
		r.buffered = append(r.buffered, evt)
		return false, nil
	}
	if evt.Version <= r.confirmed.Version {
		return false, nil
	}
	if evt.Version != r.confirmed.Version+1 {
		r.synced = false
		r.buffered = append(r.buffered[:0], evt)
		return false, ErrVersionGap
	}
	r.apply(evt)
	r.settle()
	return true, nil
}

func (r *Reconciler) apply(evt event.Event) {
	r.confirmed.Version = evt.Version
	if evt.Stage != nil {
		r.confirmed.Stage = *evt.Stage
		if evt.Stage.CurrentSession != nil {
			session := evt.Stage.CurrentSession.Clone()
			r.confirmed.Stage.CurrentSession = &session
		}
	}
	if evt.Combat != nil {
		r.confirmed.Combat = evt.Combat.Clone()
	}
	if evt.Map != nil {
		r.confirmed.Map = evt.Map.Clone()
	}
	if evt.RequestID != "" && evt.ActorID == r.userID {
		r.drop(evt.RequestID)
	}
}

// settle drops predictions whose acknowledged version is already confirmed.
func (r *Reconciler) settle() {
	r.pending = slices.DeleteFunc(r.pending, func(p pending) bool {
		return p.ackedAt > 0 && p.ackedAt <= r.confirmed.Version
	})
}

// Predict records an optimistic change for requestID.
func (r *Reconciler) Predict(requestID string, predict Prediction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(requestID)
	r.pending = append(r.pending, pending{
		requestID: requestID,
		predict:   predict,
		deadline:  r.now().Add(r.timeout),
	})
}

// Ack records the server's acknowledgement. The prediction stays visible
// until the event at version is confirmed.
func (r *Reconciler) Ack(requestID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pending {
		if r.pending[i].requestID == requestID {
			r.pending[i].ackedAt = max(version, 1)
		}
	}
	r.settle()
}

// Reject rolls back requestID's prediction. It reports whether one existed.
func (r *Reconciler) Reject(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drop(requestID)
}

// Expire rolls back unacknowledged predictions past their deadline and
// returns their request ids. Their outcome is unknown, so the caller
// re-syncs.
func (r *Reconciler) Expire() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var expired []string
	r.pending = slices.DeleteFunc(r.pending, func(p pending) bool {
		if p.ackedAt == 0 && !now.Before(p.deadline) {
			expired = append(expired, p.requestID)
			return true
		}
		return false
	})
	return expired
}

// Disconnected marks the view stale and rolls back every prediction; the
// outcome of anything in flight is unknown.
func (r *Reconciler) Disconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = false
	r.buffered = nil
	ids := make([]string, 0, len(r.pending))
	for _, p := range r.pending {
		ids = append(ids, p.requestID)
	}
	r.pending = nil
	return ids
}

// Resume marks the view synced without a snapshot when the server reports
// the confirmed version as current.
func (r *Reconciler) Resume(latestVersion int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if latestVersion != r.confirmed.Version || r.confirmed.CampaignID == "" {
		return false
	}
	r.synced = true
	return true
}

func (r *Reconciler) drop(requestID string) bool {
	before := len(r.pending)
	r.pending = slices.DeleteFunc(r.pending, func(p pending) bool {
		return p.requestID == requestID
	})
	return len(r.pending) != before
}
