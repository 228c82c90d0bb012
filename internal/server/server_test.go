package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"phasegate/internal/db"
	"phasegate/internal/docstore"
	"phasegate/internal/docstore/sqlite"
	"phasegate/internal/domain"
	"phasegate/internal/engine"
)

const testSecret = "test-secret"

var (
	admin = domain.Actor{ID: "u-admin", Email: "admin@x.test", Role: domain.RoleAdmin}
	ba    = domain.Actor{ID: "u-ba", Email: "ba@x.test", Role: domain.RoleBusinessAnalyst}
	lead  = domain.Actor{ID: "u-tl", Email: "lead@x.test", Role: domain.RoleTeamLead}
	dev   = domain.Actor{ID: "u-dev", Email: "dev@x.test", Role: domain.RoleDeveloper}
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	e := engine.New(store, nil)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = testSecret
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg, StoreState: func() string { return "closed" }})
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
			store.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, a domain.Actor) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, a, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
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

func decodeProject(t *testing.T, data []byte) domain.Project {
	t.Helper()
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v: %s", err, string(data))
	}
	return p
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error
}

func lastEntryID(p domain.Project, phase int) string {
	tl := p.Phases[phase].Timeline
	return tl[len(tl)-1].ID
}

func signOffURL(base, projectID string, phase int, entryID string) string {
	return fmt.Sprintf("%s/v0/projects/%s/phases/%d/timeline/%s/sign-off", base, projectID, phase, entryID)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":       "Portal",
		"description": "customer portal",
	}, bearer(t, ba))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	p := decodeProject(t, data)
	if p.CurrentPhase != domain.PhaseBA || p.CreatedBy != ba.Email {
		t.Fatalf("unexpected project: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/documents", map[string]any{
		"title": "BRD v1",
		"url":   "https://docs.example.com/brd",
		"type":  domain.DocTypeBRD,
	}, bearer(t, ba))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit document status %d: %s", res.StatusCode, string(data))
	}
	p = decodeProject(t, data)
	brdEntry := lastEntryID(p, 0)

	res, data = doJSON(t, client, http.MethodPost, signOffURL(srv.URL, p.ID, 0, brdEntry), nil, bearer(t, admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign off status %d: %s", res.StatusCode, string(data))
	}
	p = decodeProject(t, data)
	if p.CurrentPhase != domain.PhaseIdeation || !p.VisibleToTeamLeads {
		t.Fatalf("expected promotion to Ideation, got %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPost, signOffURL(srv.URL, p.ID, 0, brdEntry), nil, bearer(t, admin))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on repeated sign-off, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, bearer(t, lead))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects status %d: %s", res.StatusCode, string(data))
	}
	var listed []domain.Project
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != p.ID {
		t.Fatalf("team lead should see the promoted project, got %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/breakdowns", map[string]any{
		"kind": domain.DocTypeHighLevelBreakdown,
		"rows": []map[string]any{{"task": "Login", "platform": "web", "estimate": 3}},
	}, bearer(t, lead))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit breakdown status %d: %s", res.StatusCode, string(data))
	}
	p = decodeProject(t, data)

	res, data = doJSON(t, client, http.MethodPost, signOffURL(srv.URL, p.ID, 1, lastEntryID(p, 1)), nil, bearer(t, admin))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("admin must not sign off breakdowns, got %d: %s", res.StatusCode, string(data))
	}
	if got := decodeError(t, data); got.Code != "forbidden_signoff_type" {
		t.Fatalf("unexpected error code %q", got.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, signOffURL(srv.URL, p.ID, 1, lastEntryID(p, 1)), nil, bearer(t, ba))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakdown sign off status %d: %s", res.StatusCode, string(data))
	}
	p = decodeProject(t, data)
	if p.CurrentPhase != domain.PhaseWBS {
		t.Fatalf("expected WBS Phase, got %s", p.CurrentPhase)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/developers", map[string]any{
		"email": dev.Email,
	}, bearer(t, lead))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign developer status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID, nil, bearer(t, dev))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assigned developer should read project, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/events?type=phase.promoted", nil, bearer(t, ba))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected two promotions, got %+v", evts)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	if got := decodeError(t, data); got.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", got.Code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"description": "x"}, bearer(t, ba))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing title, got %d: %s", res.StatusCode, string(data))
	}
	if got := decodeError(t, data); got.Details["title"] == nil {
		t.Fatalf("expected title field detail, got %+v", got)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"title": "X"}, bearer(t, dev))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developer must not create projects, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/missing", nil, bearer(t, admin))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"title": "Portal"}, bearer(t, ba))
	p := decodeProject(t, data)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/developers", map[string]any{"email": dev.Email}, bearer(t, lead))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 assigning outside WBS, got %d: %s", res.StatusCode, string(data))
	}
	if got := decodeError(t, data); got.Code != "wrong_phase" {
		t.Fatalf("unexpected code %q", got.Code)
	}

	res, _ = doJSON(t, client, http.MethodPost, signOffURL(srv.URL, p.ID, 0, "nope"), nil, bearer(t, admin))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown entry, got %d", res.StatusCode)
	}
}

func TestUsersAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	root := domain.Actor{ID: "u-root", Email: "root@x.test", Role: domain.RoleSuperAdmin}
	newcomer := domain.Actor{ID: "u-new", Email: "new@x.test"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/me", nil, bearer(t, newcomer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var reg EnsureUserResponse
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reg.Created || reg.User.Role != domain.RoleGuest {
		t.Fatalf("expected guest registration, got %+v", reg)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/u-new/role", map[string]any{"role": "Team Lead"}, bearer(t, root))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set role status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/u-new/role", map[string]any{"role": "Wizard"}, bearer(t, root))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown role, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(t, newcomer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Actor.Role != domain.RoleTeamLead || !me.Registered {
		t.Fatalf("stored role should win over the token, got %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users?role=Team%20Lead", nil, bearer(t, root))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list users status %d: %s", res.StatusCode, string(data))
	}
	var users []domain.User
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	if len(users) != 1 || users[0].Email != newcomer.Email {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestHeaderAuthAndDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowHeaderAuth: true, DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Actor-Email": "ba@x.test",
		"X-Actor-Role":  "Business Analyst",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("header auth status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"email": "lead@x.test",
		"role":  "Team Lead",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with dev token status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "lead@x.test") {
		t.Fatalf("expected dev token identity, got %s", string(data))
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "x@x.test"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when dev login is off, got %d", res.StatusCode)
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" || health.Store != "closed" {
		t.Fatalf("unexpected health: %+v", health)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/v0/projects/{project_id}/phases/{phase_index}/timeline/{entry_id}/sign-off") {
		t.Fatalf("sign-off route missing from spec")
	}
	if !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("security scheme missing from spec")
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	const n = 8
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			bodies[i], errs[i] = string(b), err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if bodies[i] == "" || bodies[i] != bodies[0] {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
}

func TestHandleErrorVersionConflict(t *testing.T) {
	err := handleError(fmt.Errorf("sign_off: %w", docstore.ErrConflict))
	if err.GetStatus() != http.StatusConflict {
		t.Fatalf("expected 409, got %d", err.GetStatus())
	}
	apiErr, ok := err.(*apiError)
	if !ok || apiErr.Body.Code != "version_conflict" {
		t.Fatalf("unexpected error %+v", err)
	}
}
