package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

// Memory is an in-process Store used by tests and by ephemeral deployments
// started without a database path.
type Memory struct {
	mu        sync.Mutex
	campaigns map[string]campaign.State
	sessions  map[string]map[string]stage.Session
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[string]campaign.State),
		sessions:  make(map[string]map[string]stage.Session),
	}
}

// GetCampaign returns a copy of the stored aggregate with its current session
// statistics attached.
func (m *Memory) GetCampaign(_ context.Context, campaignID string) (campaign.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.campaigns[campaignID]
	if !ok {
		return campaign.State{}, ErrNotFound
	}
	state = state.Clone()
	if current := state.Stage.CurrentSession; current != nil {
		if stored, ok := m.sessions[campaignID][current.ID]; ok {
			current.Statistics = stored.Clone().Statistics
		}
	}
	return state, nil
}

// SaveCampaign stores state after checking its version.
func (m *Memory) SaveCampaign(_ context.Context, state campaign.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.campaigns[state.ID]
	switch {
	case !exists && state.Version != 1:
		return fmt.Errorf("save campaign %s at version %d: %w", state.ID, state.Version, ErrVersionConflict)
	case exists && stored.Version != state.Version-1:
		return fmt.Errorf("save campaign %s at version %d over %d: %w", state.ID, state.Version, stored.Version, ErrVersionConflict)
	}

	if current := state.Stage.CurrentSession; current != nil {
		sessions := m.sessions[state.ID]
		if sessions == nil {
			sessions = make(map[string]stage.Session)
			m.sessions[state.ID] = sessions
		}
		if current.Status == stage.SessionActive {
			for id, other := range sessions {
				if id != current.ID && other.Status == stage.SessionActive {
					return ErrActiveSessionExists
				}
			}
		}
		record := current.Clone()
		if previous, ok := sessions[current.ID]; ok {
			record.Statistics = previous.Statistics
		}
		sessions[current.ID] = record
	}
	m.campaigns[state.ID] = state.Clone()
	return nil
}

// ListSessions returns the campaign's sessions ordered by number.
func (m *Memory) ListSessions(_ context.Context, campaignID string) ([]stage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]stage.Session, 0, len(m.sessions[campaignID]))
	for _, session := range m.sessions[campaignID] {
		sessions = append(sessions, session.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionNumber < sessions[j].SessionNumber })
	return sessions, nil
}

// PutSessionStatistics replaces a session's statistics.
func (m *Memory) PutSessionStatistics(_ context.Context, campaignID, sessionID string, statistics json.RawMessage) error {
	if err := ValidateStatistics(statistics); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[campaignID][sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Statistics = append(json.RawMessage(nil), statistics...)
	m.sessions[campaignID][sessionID] = session
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
