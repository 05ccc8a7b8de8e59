package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/repo"
	"propline/internal/stages"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	// the shared test actor holds every reviewing role
	for _, def := range stages.All() {
		if _, err := e.AssignReviewer(context.Background(), "tester", def.AuthorizingRole); err != nil {
			t.Fatalf("assign role %s: %v", def.AuthorizingRole, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
	req.Header.Set("X-Actor-Id", "tester")
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

func submitOverHTTP(t *testing.T, srv *testServer, title, unit string) ProposalViewResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":           title,
		"submitting_unit": unit,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var view ProposalViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	return view
}

func TestProposalEndorsementFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	view := submitOverHTTP(t, srv, "Watershed study", "College of Forestry")
	if view.Progress.CurrentStageOrdinal != 1 {
		t.Fatalf("new proposal should start at stage 1, got %d", view.Progress.CurrentStageOrdinal)
	}
	proposalID := view.Proposal.ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/endorsements", map[string]any{
		"stage_ordinal": 1,
		"issuer_role":   string(domain.RoleCollegeCommittee),
		"decision":      "approved",
		"comments":      "endorsed by the college committee",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("endorse status %d: %s", res.StatusCode, string(data))
	}
	var rec EndorsementResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal endorsement: %v", err)
	}
	if rec.Decision != "approved" || rec.StageOrdinal != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+proposalID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get view status %d: %s", getRes.StatusCode, string(getData))
	}
	var fetched ProposalViewResponse
	if err := json.Unmarshal(getData, &fetched); err != nil {
		t.Fatalf("unmarshal fetched view: %v", err)
	}
	if fetched.Progress.CompletionPercent != 10 {
		t.Fatalf("expected 10%%, got %d", fetched.Progress.CompletionPercent)
	}
	if fetched.Progress.CurrentStageOrdinal != 2 {
		t.Fatalf("expected stage 2, got %d", fetched.Progress.CurrentStageOrdinal)
	}
	if len(fetched.History) != 1 {
		t.Fatalf("expected one history record, got %d", len(fetched.History))
	}
}

func TestEndorsementRoleMismatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	view := submitOverHTTP(t, srv, "Gated", "Unit A")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+view.Proposal.ID+"/endorsements", map[string]any{
		"stage_ordinal": 1,
		"issuer_role":   string(domain.RolePresident),
		"decision":      "approved",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "role_mismatch" {
		t.Fatalf("expected role_mismatch, got %s", envelope.Error.Code)
	}
}

func TestEndorsementConflictCarriesProgress(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	view := submitOverHTTP(t, srv, "Conflicted", "Unit B")
	proposalID := view.Proposal.ID

	endorse := map[string]any{
		"stage_ordinal": 1,
		"issuer_role":   string(domain.RoleCollegeCommittee),
		"decision":      "approved",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/endorsements", endorse, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first endorse: %d %s", res.StatusCode, string(data))
	}
	// repeating the decided stage names the standing decision
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/endorsements", endorse, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				DerivedProgress ProgressResponse `json:"derived_progress"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "stage_already_decided" {
		t.Fatalf("expected stage_already_decided, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details.DerivedProgress.CurrentStageOrdinal != 2 {
		t.Fatalf("expected derived progress at stage 2, got %d", envelope.Error.Details.DerivedProgress.CurrentStageOrdinal)
	}

	// skipping ahead of the derived stage is the other conflict flavor
	skipped := map[string]any{
		"stage_ordinal": 3,
		"issuer_role":   string(domain.RoleCenterManager),
		"decision":      "approved",
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/endorsements", skipped, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	envelope.Error.Code = ""
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "proposal_not_at_stage" {
		t.Fatalf("expected proposal_not_at_stage, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details.DerivedProgress.CurrentStageOrdinal != 2 {
		t.Fatalf("expected derived progress at stage 2, got %d", envelope.Error.Details.DerivedProgress.CurrentStageOrdinal)
	}
}

func TestReportGatingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	view := submitOverHTTP(t, srv, "Early report", "Unit C")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+view.Proposal.ID+"/reports", map[string]any{
		"report_type":  "quarterly",
		"achievements": "nothing yet",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_yet_implementing" {
		t.Fatalf("expected not_yet_implementing, got %s", envelope.Error.Code)
	}
}

func TestProposalNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proposals/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/proposals", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	secret := "portal-key-secret"
	now := "2026-01-01T00:00:00Z"
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        "key-1",
		ActorID:   "tester",
		Name:      "dashboard",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/proposals", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", secret)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", res.StatusCode)
	}

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v0/proposals", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", "wrong-secret")
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown key, got %d", res.StatusCode)
	}
}

func TestStageCatalogIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/stages", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var catalog []StageResponse
	if err := json.Unmarshal(data, &catalog); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(catalog) != stages.Count {
		t.Fatalf("expected %d stages, got %d", stages.Count, len(catalog))
	}
	if catalog[7].ImplementationBoundary != true || catalog[7].Ordinal != 8 {
		t.Fatalf("expected stage 8 to mark implementation, got %+v", catalog[7])
	}
}
