package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pulseboard/internal/config"
	"pulseboard/internal/db"
	"pulseboard/internal/engine"
	"pulseboard/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("pulseboard"))
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string, permissions ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(permissions) > 0 {
		claims["permissions"] = permissions
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
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

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":   "Website relaunch",
		"status": "active",
		"owner":  "pm@example.com",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.ID == "" || created.Status != "active" {
		t.Fatalf("unexpected project: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/"+created.ID, map[string]any{
		"description": "Relaunch the marketing site",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update project: %d %s", res.StatusCode, string(data))
	}
	var updated ProjectResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Description != "Relaunch the marketing site" {
		t.Fatalf("expected description update, got %q", updated.Description)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID+"/status", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status sheet: %d %s", res.StatusCode, string(data))
	}
	var sheet StatusSheetResponse
	if err := json.Unmarshal(data, &sheet); err != nil {
		t.Fatalf("unmarshal sheet: %v", err)
	}
	if sheet.Project.ID != created.ID {
		t.Fatalf("sheet project mismatch: %s", sheet.Project.ID)
	}
	if sheet.Health.Color == "" {
		t.Fatalf("expected classification on sheet")
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestHealthEndpointClassifies(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":     "proj-health",
		"name":   "Health check target",
		"status": "active",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	for _, m := range []map[string]any{
		{"name": "kickoff", "date": "2025-01-01", "completion": 100},
		{"name": "launch", "date": "2025-06-01"},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-health/milestones", m, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create milestone: %d %s", res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-health/health", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var hr HealthResponse
	if err := json.Unmarshal(data, &hr); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if hr.Color != "green" {
		t.Fatalf("expected green, got %s (%s)", hr.Color, hr.Reasoning)
	}
	if hr.Metrics.WeightedCompletion != 50 {
		t.Fatalf("expected 50%% completion, got %d", hr.Metrics.WeightedCompletion)
	}
	if hr.Metrics.TotalDays == nil || *hr.Metrics.TotalDays != 152 {
		t.Fatalf("expected 152 total days, got %v", hr.Metrics.TotalDays)
	}

	// Derived columns are written back on the project row.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-health", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.CalculatedStartDate == nil || *p.CalculatedStartDate != "2025-01-01" {
		t.Fatalf("expected derived start date, got %v", p.CalculatedStartDate)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	// Health check stays open.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health check, got %d %s", res.StatusCode, string(data))
	}

	// Legacy actor header is honored when enabled.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Actor-Id": "legacy-bot",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected legacy header access, got %d %s", res.StatusCode, string(data))
	}
}

func TestPermissionEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	readOnly := authHeaders(mintToken(t, "viewer", "project.list", "project.read"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, readOnly)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with read permission: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Denied",
	}, readOnly)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", envelope.Error.Code)
	}
}

func TestMilestoneScopedToProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	for _, id := range []string{"proj-a", "proj-b"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": id, "name": id}, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-a/milestones", map[string]any{"name": "m1"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone: %d %s", res.StatusCode, string(data))
	}
	var m MilestoneResponse
	_ = json.Unmarshal(data, &m)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/proj-b/milestones/"+m.ID, map[string]any{"name": "hijack"}, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-project update, got %d %s", res.StatusCode, string(data))
	}
}

func TestRecalculateEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "ops", "*"))

	for _, id := range []string{"r-1", "r-2"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": id, "name": id, "status": "active"}, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/recalculate", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recalculate: %d %s", res.StatusCode, string(data))
	}
	var rc RecalcResponse
	if err := json.Unmarshal(data, &rc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rc.Total != 2 || rc.Updated != 2 {
		t.Fatalf("unexpected recalc result: %+v", rc)
	}
}

func TestNarrativeUnavailableWithoutClient(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p-nar", "name": "narrated"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p-nar/narrative/description", nil, headers)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p-ev", "name": "evented"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	for _, name := range []string{"m1", "m2", "m3"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/p-ev/milestones", map[string]any{"name": name}, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("milestone %s: %d %s", name, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=p-ev&limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected full first page with cursor, got %d items", len(page.Items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=p-ev&limit=2&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var page2 paginatedEvents
	_ = json.Unmarshal(data, &page2)
	if len(page2.Items) == 0 {
		t.Fatalf("expected remaining events on second page")
	}
	for _, item := range page2.Items {
		for _, prev := range page.Items {
			if item.ID == prev.ID {
				t.Fatalf("event %d repeated across pages", item.ID)
			}
		}
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(mintToken(t, "tester", "*"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"status": "active",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code == "" || envelope.Error.Message == "" {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
}
