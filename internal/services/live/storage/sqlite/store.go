// Package sqlite provides the SQLite-backed live store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/livetable/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
	"github.com/louisbranch/livetable/internal/services/live/storage"
	"github.com/louisbranch/livetable/internal/services/live/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// toNullMillis maps optional domain times to sql.NullInt64 for nullable DB columns.
func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

// fromNullMillis maps nullable SQL timestamps back into optional domain time values.
func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides a SQLite-backed implementation of storage.Store.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens the live store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
//
// Close is nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetCampaign loads the aggregate and its current session.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (campaign.State, error) {
	var (
		state            campaign.State
		stageName        string
		currentSessionID string
		combatJSON       string
		mapJSON          string
		updatedAt        int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_user_id, stage, current_session_id, last_session_number, combat_json, map_json, version, updated_at
FROM campaigns WHERE id = ?`, campaignID).Scan(
		&state.ID,
		&state.OwnerUserID,
		&stageName,
		&currentSessionID,
		&state.Stage.LastSessionNumber,
		&combatJSON,
		&mapJSON,
		&state.Version,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.State{}, storage.ErrNotFound
	}
	if err != nil {
		return campaign.State{}, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	state.Stage.Stage = stage.Stage(stageName)
	state.UpdatedAt = fromMillis(updatedAt)

	var tracker combat.State
	if err := json.Unmarshal([]byte(combatJSON), &tracker); err != nil {
		return campaign.State{}, fmt.Errorf("decode combat for %s: %w", campaignID, err)
	}
	var grid battlemap.Map
	if err := json.Unmarshal([]byte(mapJSON), &grid); err != nil {
		return campaign.State{}, fmt.Errorf("decode map for %s: %w", campaignID, err)
	}
	state.Combat = tracker
	state.Map = grid

	if currentSessionID != "" {
		session, err := getSession(ctx, s.sqlDB, campaignID, currentSessionID)
		if err != nil {
			return campaign.State{}, fmt.Errorf("get current session: %w", err)
		}
		state.Stage.CurrentSession = &session
	}
	return state, nil
}

// SaveCampaign writes the aggregate and its current session in one transaction.
func (s *Store) SaveCampaign(ctx context.Context, state campaign.State) error {
	combatJSON, err := json.Marshal(state.Combat)
	if err != nil {
		return fmt.Errorf("encode combat: %w", err)
	}
	mapJSON, err := json.Marshal(state.Map)
	if err != nil {
		return fmt.Errorf("encode map: %w", err)
	}
	currentSessionID := ""
	if state.Stage.CurrentSession != nil {
		currentSessionID = state.Stage.CurrentSession.ID
	}
	stageName := string(state.Stage.Normalize().Stage)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if state.Version == 1 {
		_, err = tx.ExecContext(ctx, `
INSERT INTO campaigns (id, owner_user_id, stage, current_session_id, last_session_number, combat_json, map_json, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.ID, state.OwnerUserID, stageName, currentSessionID, state.Stage.LastSessionNumber,
			string(combatJSON), string(mapJSON), state.Version, toMillis(state.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert campaign %s: %w", state.ID, storage.ErrVersionConflict)
			}
			return fmt.Errorf("insert campaign %s: %w", state.ID, err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
UPDATE campaigns
SET owner_user_id = ?, stage = ?, current_session_id = ?, last_session_number = ?,
    combat_json = ?, map_json = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`,
			state.OwnerUserID, stageName, currentSessionID, state.Stage.LastSessionNumber,
			string(combatJSON), string(mapJSON), state.Version, toMillis(state.UpdatedAt),
			state.ID, state.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update campaign %s: %w", state.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update campaign %s: %w", state.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("update campaign %s at version %d: %w", state.ID, state.Version, storage.ErrVersionConflict)
		}
	}

	if session := state.Stage.CurrentSession; session != nil {
		_, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, campaign_id, session_number, status, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at`,
			session.ID, state.ID, session.SessionNumber, string(session.Status),
			toMillis(session.StartedAt), toNullMillis(session.CompletedAt),
		)
		if err != nil {
			if isUniqueViolation(err) && !strings.Contains(err.Error(), "session_number") {
				return storage.ErrActiveSessionExists
			}
			return fmt.Errorf("put session %s: %w", session.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// ListSessions returns a campaign's sessions ordered by number.
func (s *Store) ListSessions(ctx context.Context, campaignID string) ([]stage.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, campaign_id, session_number, status, started_at, completed_at, statistics_json
FROM sessions WHERE campaign_id = ? ORDER BY session_number`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []stage.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return sessions, nil
}

// PutSessionStatistics replaces a session's opaque statistics.
func (s *Store) PutSessionStatistics(ctx context.Context, campaignID, sessionID string, statistics json.RawMessage) error {
	if err := storage.ValidateStatistics(statistics); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET statistics_json = ? WHERE campaign_id = ? AND id = ?`,
		string(statistics), campaignID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("put session statistics: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put session statistics: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func getSession(ctx context.Context, q queryer, campaignID, sessionID string) (stage.Session, error) {
	row := q.QueryRowContext(ctx, `
SELECT id, campaign_id, session_number, status, started_at, completed_at, statistics_json
FROM sessions WHERE campaign_id = ? AND id = ?`, campaignID, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stage.Session{}, storage.ErrNotFound
	}
	return session, err
}

func scanSession(row scanner) (stage.Session, error) {
	var (
		session     stage.Session
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		statistics  sql.NullString
	)
	if err := row.Scan(&session.ID, &session.CampaignID, &session.SessionNumber, &status, &startedAt, &completedAt, &statistics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stage.Session{}, err
		}
		return stage.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.Status = stage.SessionStatus(status)
	session.StartedAt = fromMillis(startedAt)
	session.CompletedAt = fromNullMillis(completedAt)
	if statistics.Valid && statistics.String != "" {
		session.Statistics = json.RawMessage(statistics.String)
	}
	return session, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
