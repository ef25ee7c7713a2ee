// Package storage defines persistence interfaces for the live session engine.
//
// It covers the campaign aggregate (stage, combat tracker, battle map and
// version) and the history of sessions with their recap statistics.
// Implementations (e.g., SQLite) live in subpackages.
//
// Common error types:
//   - ErrNotFound: requested record is missing
//   - ErrVersionConflict: the aggregate was saved by another writer
//   - ErrActiveSessionExists: a second active session for one campaign
package storage

import (
	"context"
	"encoding/json"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrVersionConflict indicates the stored aggregate version is not the one the
// save was based on. Only the campaign's command processor writes, so this
// signals a second process writing the same database.
var ErrVersionConflict = apperrors.New(apperrors.CodeUnavailable, "campaign version conflict")

// ErrActiveSessionExists indicates a save would leave two active sessions for
// the same campaign.
var ErrActiveSessionExists = apperrors.New(apperrors.CodeInvalidTransition, "active session already exists for campaign")

// CampaignStore persists campaign aggregates.
type CampaignStore interface {
	// GetCampaign returns the aggregate or ErrNotFound.
	GetCampaign(ctx context.Context, campaignID string) (campaign.State, error)
	// SaveCampaign writes state, whose Version must be exactly one above the
	// stored version (or 1 for a new campaign), together with its current
	// session record.
	SaveCampaign(ctx context.Context, state campaign.State) error
}

// SessionStore exposes session history for recap tooling.
type SessionStore interface {
	// ListSessions returns a campaign's sessions ordered by session number.
	ListSessions(ctx context.Context, campaignID string) ([]stage.Session, error)
	// PutSessionStatistics replaces the opaque statistics of a session.
	PutSessionStatistics(ctx context.Context, campaignID, sessionID string, statistics json.RawMessage) error
}

// Store is the full persistence surface used by the live service.
type Store interface {
	CampaignStore
	SessionStore
	Close() error
}

// ValidateStatistics checks that statistics is a JSON object.
func ValidateStatistics(statistics json.RawMessage) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(statistics, &probe); err != nil || probe == nil {
		return apperrors.New(apperrors.CodeValidation, "statistics must be a JSON object")
	}
	return nil
}
