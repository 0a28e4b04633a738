package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"moveline/internal/config"
	"moveline/internal/db"
	"moveline/internal/engine"
	"moveline/internal/migrate"
	movelinesdk "moveline/sdk/go"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("moveline-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	e.Now = func() time.Time {
		return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func newDevServer(t *testing.T) (*testServer, func()) {
	return newTestServer(t, AuthConfig{AllowActorHeader: true})
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createTestMove(t *testing.T, srv *testServer, tasks []string) MoveResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/moves", map[string]any{
		"name":           "Spring trial push",
		"promise":        "Activate trialists before their window closes",
		"primary_goal":   "conversion",
		"primary_cohort": "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
		"start_date":     "2026-03-10",
		"act_tasks":      tasks,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create move status %d: %s", res.StatusCode, string(data))
	}
	var m MoveResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	return m
}

func healthyPreflightBody() map[string]any {
	return map[string]any{
		"cohort_sizes":     map[string]int{"trial-users": 5000},
		"ready_channels":   map[string][]string{"trial-users": {"email"}},
		"available_assets": []string{"spring-banner"},
	}
}

func TestMoveLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()
	client := srv.Client()

	campRes, campData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/campaigns", map[string]any{
		"name": "Q2 growth",
	}, nil)
	if campRes.StatusCode != http.StatusCreated {
		t.Fatalf("create campaign status %d: %s", campRes.StatusCode, string(campData))
	}

	m := createTestMove(t, srv, []string{"Send launch email", "Post countdown"})
	base := srv.URL + "/v1/moves/" + m.ID

	advance := func(body map[string]any) (*http.Response, []byte) {
		return doJSON(t, client, http.MethodPost, base+"/advance", body, nil)
	}

	res, data := advance(map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to observe: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/observations", map[string]any{"source": "trial-funnel-dashboard"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("observation: %d %s", res.StatusCode, string(data))
	}
	if res, data = advance(map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("advance to orient: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/orientation", map[string]any{"notes": "Trial activation is dropping in week two"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("orientation: %d %s", res.StatusCode, string(data))
	}
	if res, data = advance(map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("advance to decide: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/preflight", healthyPreflightBody(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preflight: %d %s", res.StatusCode, string(data))
	}
	var pf PreflightResponse
	if err := json.Unmarshal(data, &pf); err != nil {
		t.Fatalf("unmarshal preflight: %v", err)
	}
	if pf.Report.Status != "pass" {
		t.Fatalf("expected preflight pass, got %s", pf.Report.Status)
	}

	if res, data = advance(map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("advance to act: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/progress", map[string]any{"percent": 100}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var done MoveResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "complete" {
		t.Fatalf("expected complete, got %s", done.Status)
	}
	if done.Health != "green" {
		t.Fatalf("expected green health, got %s", done.Health)
	}

	evtRes, evtData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=move&entity_id="+m.ID, nil, nil)
	if evtRes.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", evtRes.StatusCode, string(evtData))
	}
	var events paginatedEvents
	if err := json.Unmarshal(evtData, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) < 7 {
		t.Fatalf("expected at least 7 move events, got %d", len(events.Items))
	}
}

func TestStatusCodeMapping(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/moves", map[string]any{
		"name":           "Bad goal",
		"primary_goal":   "world-domination",
		"primary_cohort": "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown goal, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/moves/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	m := createTestMove(t, srv, nil)
	base := srv.URL + "/v1/moves/" + m.ID

	// Observe has no observation attached yet.
	doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blocked advance, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/kill", map[string]any{"reason": "pivot"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kill: %d %s", res.StatusCode, string(data))
	}
	var killed MoveResponse
	_ = json.Unmarshal(data, &killed)
	if killed.Status != "killed" {
		t.Fatalf("expected killed, got %s", killed.Status)
	}
}

func TestPreflightWarnAcknowledgedOverHTTP(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()
	client := srv.Client()

	m := createTestMove(t, srv, []string{"Send launch email"})
	base := srv.URL + "/v1/moves/" + m.ID

	doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	doJSON(t, client, http.MethodPost, base+"/observations", map[string]any{"source": "crm"}, nil)
	doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	doJSON(t, client, http.MethodPut, base+"/orientation", map[string]any{"notes": "thin but workable audience"}, nil)
	doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)

	body := healthyPreflightBody()
	body["cohort_sizes"] = map[string]int{"trial-users": 500}
	res, data := doJSON(t, client, http.MethodPost, base+"/preflight", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preflight: %d %s", res.StatusCode, string(data))
	}
	var pf PreflightResponse
	_ = json.Unmarshal(data, &pf)
	if pf.Report.Status != "warn" {
		t.Fatalf("expected warn, got %s", pf.Report.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without ack, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"ack_warn": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected advance with ack, got %d %s", res.StatusCode, string(data))
	}
	var acting MoveResponse
	_ = json.Unmarshal(data, &acting)
	if acting.Status != "act" {
		t.Fatalf("expected act, got %s", acting.Status)
	}
}

func TestCampaignUpdateAndDeleteOverHTTP(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/campaigns", map[string]any{"name": "Q3 retention"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", res.StatusCode, string(data))
	}
	var c CampaignResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal campaign: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/campaigns/"+c.ID, map[string]any{"status": "archived"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive campaign: %d %s", res.StatusCode, string(data))
	}
	var archived CampaignResponse
	_ = json.Unmarshal(data, &archived)
	if archived.Status != "archived" {
		t.Fatalf("expected archived, got %s", archived.Status)
	}

	// Archived campaigns accept no new moves.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/moves", map[string]any{
		"campaign_id":    c.ID,
		"name":           "Too late",
		"primary_goal":   "conversion",
		"primary_cohort": "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for archived campaign, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/campaigns/"+c.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete campaign: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/campaigns/"+c.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}

	// A campaign with moves cannot be deleted.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/campaigns", map[string]any{"name": "Q4 push"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", res.StatusCode, string(data))
	}
	var busy CampaignResponse
	_ = json.Unmarshal(data, &busy)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/moves", map[string]any{
		"campaign_id":    busy.ID,
		"name":           "Winter warmup",
		"primary_goal":   "conversion",
		"primary_cohort": "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create move: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/campaigns/"+busy.ID, nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for referenced campaign, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("expected conflict, got %s", code)
	}
}

func TestSDKClientDrivesLifecycle(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()

	sdk := movelinesdk.New(srv.URL)
	sdk.ActorID = "sdk-tester"
	ctx := context.Background()

	m, err := sdk.CreateMove(ctx, map[string]any{
		"name":           "SDK driven push",
		"primary_goal":   "conversion",
		"primary_cohort": "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
		"start_date":     "2026-03-10",
	})
	if err != nil {
		t.Fatalf("create move: %v", err)
	}
	if m.Status != "planning" {
		t.Fatalf("expected planning, got %s", m.Status)
	}

	if m, err = sdk.Advance(ctx, m.ID, false); err != nil || m.Status != "observe" {
		t.Fatalf("advance: %v (%s)", err, m.Status)
	}
	if m, err = sdk.Observe(ctx, m.ID, "trial-funnel-dashboard"); err != nil {
		t.Fatalf("observe: %v", err)
	}

	page, err := sdk.Moves(ctx, "observe", 10, "")
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("list: %v (%d items)", err, len(page.Items))
	}

	// Progress outside act maps to a 422 APIError.
	_, err = sdk.Progress(ctx, m.ID, 50)
	var apiErr *movelinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 APIError, got %v", err)
	}

	killed, err := sdk.Kill(ctx, m.ID, "sdk run finished")
	if err != nil || killed.Status != "killed" {
		t.Fatalf("kill: %v (%s)", err, killed.Status)
	}
}

func TestRecommendationsOverHTTP(t *testing.T) {
	srv, cleanup := newDevServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/recommendations", map[string]any{
		"primary_goal":   "conversion",
		"cohort_id":      "trial-users",
		"stage_from":     "product_aware",
		"stage_to":       "most_aware",
		"timeframe_days": 14,
		"intensity":      "standard",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recommend: %d %s", res.StatusCode, string(data))
	}
	var recs RecommendationsResponse
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("unmarshal recommendations: %v", err)
	}
	if len(recs.Items) == 0 || len(recs.Items) > 3 {
		t.Fatalf("expected 1..3 recommendations, got %d", len(recs.Items))
	}
	if recs.Items[0].ArchetypeID != "deadline-offer" {
		t.Fatalf("expected deadline-offer first, got %s", recs.Items[0].ArchetypeID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/recommendations/accept", map[string]any{
		"recommendation": recs.Items[0],
		"start_date":     "2026-03-10",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	var accepted MoveResponse
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("unmarshal accepted: %v", err)
	}
	if accepted.Status != "planning" {
		t.Fatalf("expected planning, got %s", accepted.Status)
	}
	if len(accepted.ActTasks) != len(recs.Items[0].Actions) {
		t.Fatalf("expected %d act tasks, got %d", len(recs.Items[0].Actions), len(accepted.ActTasks))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/moves", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "tester"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "tester" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	plaintext, _, err := srv.Engine.CreateAPIKey(context.Background(), "robot-1", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": plaintext})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "robot-1" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d %s", res.StatusCode, string(data))
	}
}
