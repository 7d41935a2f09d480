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

	"giftflow/internal/adapter"
	"giftflow/internal/config"
	"giftflow/internal/db"
	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type stubValuationProvider struct{}

func (stubValuationProvider) CreateUser(context.Context, string) (string, error) {
	return "user-1", nil
}

func (stubValuationProvider) CreateValuation(context.Context, string, map[string]any) (string, error) {
	return "val-1", nil
}

func (stubValuationProvider) UpdateValuation(context.Context, string, map[string]any) error {
	return nil
}

func (stubValuationProvider) GetValuation(context.Context, string) (adapter.Valuation, error) {
	return adapter.Valuation{}, nil
}

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
	valuation := &adapter.ValuationAdapter{
		Engine:    e,
		Repo:      e.Repo,
		Provider:  stubValuationProvider{},
		Freshness: 5 * time.Minute,
	}
	handler, err := New(Config{
		Engine:    e,
		Valuation: valuation,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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

func asAdmin() map[string]string {
	return map[string]string{"X-Actor-Id": "ops", "X-Actor-Role": "admin"}
}

func asDonor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id, "X-Actor-Role": "donor"}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/campaigns", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized error envelope: %s", string(data))
	}
}

func TestDevLoginIssuesWorkingToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "ops",
		"role":     "admin",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "ops" || me.Role != "admin" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func createDonation(t *testing.T, srv *testServer) (campaignID, donationID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/campaigns", map[string]any{
		"name": "Spring Drive",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", res.StatusCode, string(data))
	}
	var campaign domain.Campaign
	if err := json.Unmarshal(data, &campaign); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/donations", map[string]any{
		"campaign_id": campaign.ID,
		"donor_id":    "don-1",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create donation: %d %s", res.StatusCode, string(data))
	}
	var donation domain.Donation
	if err := json.Unmarshal(data, &donation); err != nil {
		t.Fatal(err)
	}
	return campaign.ID, donation.ID
}

func TestDonationWorkflowLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, donationID := createDonation(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/donations/"+donationID+"/workflow/seed", nil, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed: %d %s", res.StatusCode, string(data))
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 7 || tasks[0].Status != "pending" {
		t.Fatalf("unexpected seeded tasks: %d", len(tasks))
	}

	// re-seed conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/donations/"+donationID+"/workflow/seed", nil, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-seed, got %d %s", res.StatusCode, string(data))
	}

	// the donor completes the first task
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/complete", map[string]any{
		"completion": map[string]any{"note": "committed"},
	}, asDonor("don-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed CompleteTaskResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatal(err)
	}
	if completed.Task.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.Task.Status)
	}
	if len(completed.Unblocked) != 1 || completed.Unblocked[0] != tasks[1].ID {
		t.Fatalf("expected %s unblocked, got %v", tasks[1].ID, completed.Unblocked)
	}

	// completing again is an idempotent 200
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/complete", map[string]any{}, asDonor("don-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("idempotent complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/donations/"+donationID+"/workflow/status", nil, asDonor("don-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status WorkflowStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.TaskCounts["completed"] != 1 || status.TaskCounts["pending"] != 1 || status.TaskCounts["blocked"] != 5 {
		t.Fatalf("unexpected counts %v", status.TaskCounts)
	}
}

func TestRoleGuardEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, donationID := createDonation(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/donations/"+donationID+"/workflow/seed", nil, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed: %d %s", res.StatusCode, string(data))
	}
	var tasks []TaskResponse
	_ = json.Unmarshal(data, &tasks)

	// an appraiser may not complete a donor task
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/complete", map[string]any{}, map[string]string{
		"X-Actor-Id": "app-1", "X-Actor-Role": "appraiser",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// a blocked task is not actionable even for the right role
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[1].ID+"/complete", map[string]any{}, asDonor("don-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for blocked task, got %d %s", res.StatusCode, string(data))
	}

	// reset is admin-only
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/donations/"+donationID+"/workflow/reset", nil, asDonor("don-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on reset, got %d %s", res.StatusCode, string(data))
	}
}

func TestValuationWebhookAlwaysAcks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// unmatched valuation id: 200 with reason, no auth required
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/valuation", map[string]any{
		"valuation_id": "val-unknown",
		"status":       "completed",
		"timestamp":    time.Now().Unix(),
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", res.StatusCode, string(data))
	}
	var ack WebhookAckResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Received || ack.Matched || ack.Reason == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	// stale delivery: still 200, reason states the rejection
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/valuation", map[string]any{
		"valuation_id": "val-unknown",
		"status":       "completed",
		"timestamp":    time.Now().Add(-time.Hour).Unix(),
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for stale, got %d %s", res.StatusCode, string(data))
	}
	ack = WebhookAckResponse{}
	_ = json.Unmarshal(data, &ack)
	if !ack.Received || ack.Matched || ack.Reason == "" {
		t.Fatalf("stale ack should carry a reason: %+v", ack)
	}

	// sparse delivery: fields the provider left out must not trip schema
	// validation, the handler decides what to do with the delivery
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/valuation", map[string]any{
		"timestamp": time.Now().Unix(),
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for sparse delivery, got %d %s", res.StatusCode, string(data))
	}

	// same contract on the signing side
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/signing", map[string]any{
		"status": "sent",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for signing delivery, got %d %s", res.StatusCode, string(data))
	}
	ack = WebhookAckResponse{}
	_ = json.Unmarshal(data, &ack)
	if !ack.Received || ack.Reason == "" {
		t.Fatalf("signing ack should carry a reason: %+v", ack)
	}
}

func TestCampaignOrgDefaultsFromConfig(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/campaigns", map[string]any{
		"name": "No Org Drive",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", res.StatusCode, string(data))
	}
	var campaign domain.Campaign
	if err := json.Unmarshal(data, &campaign); err != nil {
		t.Fatal(err)
	}
	if campaign.OrgID != "default-org" {
		t.Fatalf("expected org from config, got %q", campaign.OrgID)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/apikeys", map[string]any{
		"actor_id": "bot-1",
		"role":     "nonprofit_admin",
		"name":     "ci bot",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatal(err)
	}
	if key.Key == "" {
		t.Fatalf("secret must be returned at creation")
	}

	// the key authenticates via X-Api-Key
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "bot-1" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	// revoked keys stop working
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/admin/apikeys/"+key.ID, nil, asAdmin())
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d", res.StatusCode)
	}
}

func TestEventsAreAdminOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, asDonor("don-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d %s", res.StatusCode, string(data))
	}
}
