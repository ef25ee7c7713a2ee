package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/livetable/internal/services/live/domain/authz"
	"github.com/louisbranch/livetable/internal/services/live/domain/command"
	"github.com/louisbranch/livetable/internal/services/live/domain/event"
	"github.com/louisbranch/livetable/internal/services/live/grant"
)

func doRequest(t *testing.T, env testEnv, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestUpReturnsOK(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/up", "", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}
}

func TestWSRejectsNonGet(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodPost, "/ws", "", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRESTRequiresBearerGrant(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/campaigns/camp-1/snapshot", "", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	resp = doRequest(t, env, http.MethodGet, "/campaigns/camp-1/snapshot", env.grantFor(t, testDM, "camp-2"), "")
	envelope := decodeBody[errorEnvelope](t, resp)
	if resp.StatusCode != http.StatusForbidden || envelope.Error.Reason != grant.ReasonGrantMismatch {
		t.Fatalf("status = %d error = %+v", resp.StatusCode, envelope.Error)
	}
}

func TestRESTReadsAreProjected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	roll := 12
	for _, cmd := range []command.Command{
		{CampaignID: testCampaign, Type: command.TypeStartSession},
		{CampaignID: testCampaign, Type: command.TypeAddEntry, Payload: mustJSON(command.AddEntryPayload{
			ID: "wraith", Type: "monster", Name: "Wraith", InitiativeRoll: &roll, IsHidden: true,
		})},
		{CampaignID: testCampaign, Type: command.TypeAddEntry, Payload: mustJSON(command.AddEntryPayload{
			ID: "hero", Type: "pc", Name: "Hero", InitiativeRoll: &roll, CharacterID: "char-1",
		})},
	} {
		if _, err := env.hub.Submit(ctx, testDM, cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Type, err)
		}
	}

	playerGrant := env.grantFor(t, testPlayer, testCampaign)
	snapshot := decodeBody[event.Snapshot](t, doRequest(t, env, http.MethodGet, "/campaigns/camp-1/snapshot", playerGrant, ""))
	if snapshot.Version != 3 || len(snapshot.Combat.Entries) != 1 || snapshot.Combat.Entries[0].ID != "hero" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	combatResp := decodeBody[combatResponse](t, doRequest(t, env, http.MethodGet, "/campaigns/camp-1/combat", env.grantFor(t, testDM, testCampaign), ""))
	if combatResp.Version != 3 || len(combatResp.Combat.Entries) != 2 {
		t.Fatalf("dm combat = %+v", combatResp)
	}

	mapResp := decodeBody[mapResponse](t, doRequest(t, env, http.MethodGet, "/campaigns/camp-1/map", playerGrant, ""))
	if mapResp.Map.GridWidth != 10 || mapResp.Map.GridHeight != 10 {
		t.Fatalf("map = %+v", mapResp.Map)
	}
}

func TestRESTSessionsAndStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.hub.Submit(ctx, testDM, command.Command{CampaignID: testCampaign, Type: command.TypeStartSession}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := env.hub.Submit(ctx, testDM, command.Command{CampaignID: testCampaign, Type: command.TypeEndSession}); err != nil {
		t.Fatalf("end session: %v", err)
	}

	dmGrant := env.grantFor(t, testDM, testCampaign)
	playerGrant := env.grantFor(t, testPlayer, testCampaign)

	resp := doRequest(t, env, http.MethodGet, "/campaigns/camp-1/sessions", playerGrant, "")
	envelope := decodeBody[errorEnvelope](t, resp)
	if resp.StatusCode != http.StatusForbidden || envelope.Error.Reason != authz.ReasonDenyDMRequired {
		t.Fatalf("player sessions status = %d error = %+v", resp.StatusCode, envelope.Error)
	}

	sessions := decodeBody[sessionsResponse](t, doRequest(t, env, http.MethodGet, "/campaigns/camp-1/sessions", dmGrant, ""))
	if len(sessions.Sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	sessionID := sessions.Sessions[0].ID

	resp = doRequest(t, env, http.MethodPut, "/campaigns/camp-1/sessions/"+sessionID+"/statistics", dmGrant, `{"kills":3}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put statistics status = %d", resp.StatusCode)
	}
	resp = doRequest(t, env, http.MethodPut, "/campaigns/camp-1/sessions/"+sessionID+"/statistics", dmGrant, `[1,2]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("array statistics status = %d, want 400", resp.StatusCode)
	}
	resp = doRequest(t, env, http.MethodPut, "/campaigns/camp-1/sessions/missing/statistics", dmGrant, `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}

	sessions = decodeBody[sessionsResponse](t, doRequest(t, env, http.MethodGet, "/campaigns/camp-1/sessions", dmGrant, ""))
	if string(sessions.Sessions[0].Statistics) != `{"kills":3}` {
		t.Fatalf("statistics = %s", sessions.Sessions[0].Statistics)
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	if _, err := NewServer(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing http address")
	}
}

func TestServerServesUntilContextEnds(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	server, err := NewServer(context.Background(), Config{HTTPAddr: addr})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "livetable_campaign_channels") {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
