package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/errors/i18n"
	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/battlemap"
	"github.com/louisbranch/livetable/internal/services/live/domain/combat"
	"github.com/louisbranch/livetable/internal/services/live/domain/stage"
	"github.com/louisbranch/livetable/internal/services/live/engine"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

const maxStatisticsBytes = 64 * 1024

type restAPI struct {
	hub     *engine.Hub
	grants  grant.Config
	notices *i18n.Catalog
}

type actorHandler func(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor)

type combatResponse struct {
	Version int64        `json:"version"`
	Combat  combat.State `json:"combat"`
}

type mapResponse struct {
	Version int64         `json:"version"`
	Map     battlemap.Map `json:"map"`
}

type sessionsResponse struct {
	Sessions []stage.Session `json:"sessions"`
}

// withActor verifies the bearer grant against the campaign in the path.
func (a *restAPI) withActor(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := strings.TrimSpace(r.PathValue("campaignID"))
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeHTTPError(w, r, a.notices, apperrors.WithReason(apperrors.CodeForbidden, grant.ReasonGrantInvalid, "bearer actor grant is required"))
			return
		}
		claims, err := grant.Verify(token, campaignID, a.grants)
		if err != nil {
			log.Printf("live: rest request rejected campaign=%q path=%q: %v", campaignID, r.URL.Path, err)
			writeHTTPError(w, r, a.notices, err)
			return
		}
		next(w, r, campaignID, claims.Actor())
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (a *restAPI) getSnapshot(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor) {
	snapshot, err := a.hub.Snapshot(r.Context(), campaignID, actor)
	if err != nil {
		writeHTTPError(w, r, a.notices, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *restAPI) getCombat(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor) {
	snapshot, err := a.hub.Snapshot(r.Context(), campaignID, actor)
	if err != nil {
		writeHTTPError(w, r, a.notices, err)
		return
	}
	writeJSON(w, http.StatusOK, combatResponse{Version: snapshot.Version, Combat: snapshot.Combat})
}

func (a *restAPI) getMap(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor) {
	snapshot, err := a.hub.Snapshot(r.Context(), campaignID, actor)
	if err != nil {
		writeHTTPError(w, r, a.notices, err)
		return
	}
	writeJSON(w, http.StatusOK, mapResponse{Version: snapshot.Version, Map: snapshot.Map})
}

func (a *restAPI) listSessions(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor) {
	sessions, err := a.hub.ListSessions(r.Context(), campaignID, actor)
	if err != nil {
		writeHTTPError(w, r, a.notices, err)
		return
	}
	if sessions == nil {
		sessions = []stage.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

func (a *restAPI) putStatistics(w http.ResponseWriter, r *http.Request, campaignID string, actor authz.Actor) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStatisticsBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeHTTPError(w, r, a.notices, apperrors.New(apperrors.CodeValidation, "statistics body is too large"))
			return
		}
		writeHTTPError(w, r, a.notices, apperrors.Wrap(apperrors.CodeValidation, "read statistics body", err))
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	if err := a.hub.PutStatistics(r.Context(), campaignID, sessionID, actor, json.RawMessage(body)); err != nil {
		writeHTTPError(w, r, a.notices, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
