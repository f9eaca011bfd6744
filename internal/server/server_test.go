package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/engine"
	"settleline/internal/migrate"
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowDevLogin:          true,
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
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

func createFunded(t *testing.T, srv *testServer) string {
	t.Helper()
	client := srv.Client()
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/deposit", map[string]any{"amount": 50}, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("seller deposit %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/deposit", map[string]any{"amount": 1000}, asActor("bob")); res.StatusCode != http.StatusOK {
		t.Fatalf("buyer deposit %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"total": 1000,
		"stake": 50,
		"milestones": []map[string]any{
			{"share_bp": 6000, "deadline_offset_seconds": 86400},
			{"share_bp": 4000, "deadline_offset_seconds": 172800},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}
	var eng EngagementResponse
	if err := json.Unmarshal(data, &eng); err != nil {
		t.Fatalf("unmarshal engagement: %v", err)
	}
	return eng.ID
}

func TestEngagementLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createFunded(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/pay", map[string]any{"amount": 1000}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pay %d: %s", res.StatusCode, string(data))
	}
	var paid EngagementResponse
	if err := json.Unmarshal(data, &paid); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if paid.Status != "paid" || paid.BuyerID != "bob" {
		t.Fatalf("paid = %+v", paid)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/milestones/0/submit", map[string]any{"note": "done"}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/milestones/0/approve", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger/accounts/alice", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance %d: %s", res.StatusCode, string(data))
	}
	var acct AccountResponse
	if err := json.Unmarshal(data, &acct); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if acct.Balance != 600 {
		t.Fatalf("seller balance = %d, want 600", acct.Balance)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements/"+id+"/events", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("expected full audit trail, got %d events", len(events))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements/"+id, nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get %d: %s", res.StatusCode, string(data))
	}
	var detail EngagementDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Engagement.CurrentIdx != 1 || len(detail.Milestones) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Milestones[0].Status != "released" {
		t.Fatalf("milestone 0 = %s, want released", detail.Milestones[0].Status)
	}
}

func TestErrorTaxonomyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createFunded(t, srv)

	// Partial payment is a validation failure.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/pay", map[string]any{"amount": 1}, asActor("bob"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "validation_failed" {
		t.Fatalf("partial pay: %d %s", res.StatusCode, string(data))
	}

	// Submitting before payment is a state error.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/milestones/0/submit", map[string]any{"note": ""}, asActor("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("early submit: %d %s", res.StatusCode, string(data))
	}

	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/pay", map[string]any{"amount": 1000}, asActor("bob")); res.StatusCode != http.StatusOK {
		t.Fatalf("pay: %d %s", res.StatusCode, string(data))
	}

	// Buyer cannot submit.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/milestones/0/submit", map[string]any{"note": ""}, asActor("bob"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("buyer submit: %d %s", res.StatusCode, string(data))
	}

	// Refund claim before the deadline is a timing failure.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements/"+id+"/refund-claim", nil, asActor("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "timing_not_met" {
		t.Fatalf("early refund claim: %d %s", res.StatusCode, string(data))
	}

	// Unknown engagement is not found.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements/nope", nil, asActor("bob"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown engagement: %d %s", res.StatusCode, string(data))
	}
}

func TestInsufficientFundsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/engagements", map[string]any{
		"total": 1000,
		"stake": 50,
		"milestones": []map[string]any{
			{"share_bp": 10000, "deadline_offset_seconds": 86400},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "transfer_failed" {
		t.Fatalf("unfunded stake: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "carol"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt list %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/engagements", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{"actor_id": "dave", "name": "ci"}, asActor("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/deposit", map[string]any{"amount": 10}, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit via api key %d: %s", res.StatusCode, string(data))
	}
	var acct AccountResponse
	if err := json.Unmarshal(data, &acct); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if acct.PartyID != "dave" {
		t.Fatalf("deposit credited %s, want the key's actor", acct.PartyID)
	}
}
