package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/controller"
	"github.com/voxbridge/voxbridge-core/internal/execute"
	"github.com/voxbridge/voxbridge-core/internal/identity"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/config"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/logging"
	"github.com/voxbridge/voxbridge-core/internal/projection"
	"github.com/voxbridge/voxbridge-core/internal/tokens"
)

// memStore is a shared in-memory store for tokens and identity state.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[key]
	return data, ok, nil
}

func (m *memStore) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = value
	return nil
}

// fakeController simulates the home-automation controller's REST API.
type fakeController struct {
	mu       sync.Mutex
	entities map[string]controller.Entity
}

func newFakeController() *fakeController {
	return &fakeController{entities: map[string]controller.Entity{
		"light.kitchen": {Key: "light.kitchen", State: "off", Attributes: map[string]any{
			"friendly_name": "Kitchen Light",
			"brightness":    0.0,
		}},
		"switch.heater": {Key: "switch.heater", State: "off", Attributes: map[string]any{
			"friendly_name": "Heater",
		}},
	}}
}

func (f *fakeController) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/states", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := make([]controller.Entity, 0, len(f.entities))
		for _, ent := range f.entities {
			list = append(list, ent)
		}
		json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("GET /api/states/{key}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ent, ok := f.entities[r.PathValue("key")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(ent)
	})
	mux.HandleFunc("POST /api/services/{domain}/{action}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		key, _ := body["entity_id"].(string)

		f.mu.Lock()
		defer f.mu.Unlock()
		ent, ok := f.entities[key]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.PathValue("action") {
		case "turn_on":
			ent.State = "on"
			if b, ok := body["brightness"]; ok {
				ent.Attributes["brightness"] = b
			}
		case "turn_off":
			ent.State = "off"
		}
		f.entities[key] = ent
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// testBridge wires a complete bridge over a fake controller.
type testBridge struct {
	server     *httptest.Server
	identity   *identity.Registry
	authority  *tokens.Authority
	controller *fakeController
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	ctx := context.Background()

	fake := newFakeController()
	ctrlSrv := httptest.NewServer(fake.handler())
	t.Cleanup(ctrlSrv.Close)

	ctrl := controller.New(controller.Config{URL: ctrlSrv.URL, Token: "test-token"})
	store := newMemStore()
	logger := logging.Default()

	authority := tokens.NewAuthority(ctx, tokens.Config{
		ClientID:        "test-client",
		ClientSecret:    "test-secret",
		AccessTokenTTL:  time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, store, logger)

	registry := identity.NewRegistry(ctx, store, 10*time.Millisecond, logger)
	builder := projection.NewBuilder(ctrl, registry, projection.Config{
		CacheTTL:   time.Second,
		MaxDevices: 50,
	}, logger)
	registry.SetOnInvalidate(builder.Invalidate)

	engine := execute.NewEngine(ctrl, registry, execute.Config{
		Retries:               2,
		DefaultThermostatMode: "auto",
		FanCacheTTL:           time.Minute,
	}, nil, nil, logger)

	srv, err := New(Deps{
		Config: config.APIConfig{AdminKey: "hunter2"},
		OAuth:  config.OAuthConfig{ClientID: "test-client", ClientSecret: "test-secret"},
		Bridge: config.BridgeConfig{
			AgentUserID:     "voxbridge-user",
			AutoSelectLimit: 50,
		},
		Logger:     logger,
		Tokens:     authority,
		Engine:     engine,
		Projection: builder,
		Identity:   registry,
		Controller: ctrl,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	apiSrv := httptest.NewServer(srv.buildRouter())
	t.Cleanup(apiSrv.Close)

	return &testBridge{
		server:     apiSrv,
		identity:   registry,
		authority:  authority,
		controller: fake,
	}
}

// linkAccount runs the full OAuth flow and returns a live access token.
func (b *testBridge) linkAccount(t *testing.T) (accessToken, refreshToken string) {
	t.Helper()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	authURL := b.server.URL + "/oauth?" + url.Values{
		"client_id":     {"test-client"},
		"redirect_uri":  {"https://assistant.example.com/callback"},
		"state":         {"xyzzy"},
		"response_type": {"code"},
	}.Encode()
	resp, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	redirect, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	if redirect.Query().Get("state") != "xyzzy" {
		t.Fatalf("state not round-tripped: %s", redirect)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}

	resp, err = http.PostForm(b.server.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	if err != nil {
		t.Fatalf("token exchange: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token exchange status = %d", resp.StatusCode)
	}
	var grant struct {
		TokenType    string `json:"token_type"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		t.Fatalf("decoding grant: %v", err)
	}
	if grant.TokenType != "Bearer" || grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatalf("grant = %+v", grant)
	}
	return grant.AccessToken, grant.RefreshToken
}

// fulfill posts an intent envelope and returns the decoded payload.
func (b *testBridge) fulfill(t *testing.T, token, intent, payload string) map[string]any {
	t.Helper()

	body := fmt.Sprintf(`{"requestId":"req-1","inputs":[{"intent":%q,"payload":%s}]}`, intent, payload)
	req, _ := http.NewRequest(http.MethodPost, b.server.URL+"/smarthome", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("fulfillment: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fulfillment status = %d", resp.StatusCode)
	}
	var envelope struct {
		RequestID string         `json:"requestId"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return envelope.Payload
}

func TestHealth(t *testing.T) {
	bridge := newTestBridge(t)

	resp, err := http.Get(bridge.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSmartHome_RequiresBearer(t *testing.T) {
	bridge := newTestBridge(t)

	resp, err := http.Post(bridge.server.URL+"/smarthome", "application/json",
		strings.NewReader(`{"requestId":"r","inputs":[{"intent":"action.devices.SYNC"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestToken_WrongSecretRejected(t *testing.T) {
	bridge := newTestBridge(t)

	resp, err := http.PostForm(bridge.server.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"whatever"},
		"client_id":     {"test-client"},
		"client_secret": {"wrong"},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var oauthErr map[string]string
	json.NewDecoder(resp.Body).Decode(&oauthErr)
	if oauthErr["error"] != "invalid_grant" {
		t.Errorf("error = %q, want invalid_grant", oauthErr["error"])
	}
}

func TestAuthorize_UnknownClientRejected(t *testing.T) {
	bridge := newTestBridge(t)

	resp, err := http.Get(bridge.server.URL + "/oauth?client_id=imposter&redirect_uri=https://x/cb&response_type=code")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFullFlow_SyncQueryExecute(t *testing.T) {
	bridge := newTestBridge(t)
	token, _ := bridge.linkAccount(t)

	// SYNC auto-selects the fake controller's devices on first call.
	payload := bridge.fulfill(t, token, "action.devices.SYNC", `{}`)
	if payload["agentUserId"] != "voxbridge-user" {
		t.Errorf("agentUserId = %v", payload["agentUserId"])
	}
	devices, _ := payload["devices"].([]any)
	if len(devices) != 2 {
		t.Fatalf("synced %d devices, want 2", len(devices))
	}

	var lightID string
	for _, d := range devices {
		device := d.(map[string]any)
		if device["type"] == projection.TypeLight {
			lightID = device["id"].(string)
		}
	}
	if lightID == "" {
		t.Fatal("no light in sync payload")
	}

	// EXECUTE turns the light on through the fake controller.
	payload = bridge.fulfill(t, token, "action.devices.EXECUTE", fmt.Sprintf(
		`{"commands":[{"devices":[{"id":%q}],"execution":[{"command":"action.devices.commands.OnOff","params":{"on":true}}]}]}`,
		lightID))
	commands, _ := payload["commands"].([]any)
	if len(commands) != 1 {
		t.Fatalf("commands = %v", payload["commands"])
	}
	result := commands[0].(map[string]any)
	if result["status"] != "SUCCESS" {
		t.Fatalf("execute status = %v (%v)", result["status"], result["errorCode"])
	}

	// QUERY reflects the new state.
	payload = bridge.fulfill(t, token, "action.devices.QUERY", fmt.Sprintf(
		`{"devices":[{"id":%q}]}`, lightID))
	states, _ := payload["devices"].(map[string]any)
	lightState, _ := states[lightID].(map[string]any)
	if lightState["on"] != true || lightState["online"] != true {
		t.Errorf("query state = %v", lightState)
	}
}

func TestExecute_MalformedDirectiveFailsCommand(t *testing.T) {
	bridge := newTestBridge(t)
	token, _ := bridge.linkAccount(t)
	bridge.fulfill(t, token, "action.devices.SYNC", `{}`)

	payload := bridge.fulfill(t, token, "action.devices.EXECUTE",
		`{"commands":[{"devices":[{"id":"light_kitchen"}],"execution":[{"command":"action.devices.commands.OnOff","params":{}}]}]}`)
	commands, _ := payload["commands"].([]any)
	result := commands[0].(map[string]any)
	if result["status"] != "ERROR" || result["errorCode"] != "protocolError" {
		t.Errorf("result = %v", result)
	}
}

func TestRefreshGrant(t *testing.T) {
	bridge := newTestBridge(t)
	_, refreshToken := bridge.linkAccount(t)

	resp, err := http.PostForm(bridge.server.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(resp.Body).Decode(&grant)
	if grant.AccessToken == "" {
		t.Fatal("no access token from refresh grant")
	}
}

func TestDisconnect_RevokesTokens(t *testing.T) {
	bridge := newTestBridge(t)
	token, _ := bridge.linkAccount(t)

	bridge.fulfill(t, token, "action.devices.SYNC", `{}`)

	req, _ := http.NewRequest(http.MethodPost, bridge.server.URL+"/smarthome",
		strings.NewReader(`{"requestId":"r","inputs":[{"intent":"action.devices.DISCONNECT"}]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}

	// The same bearer must now be rejected.
	req, _ = http.NewRequest(http.MethodPost, bridge.server.URL+"/smarthome",
		strings.NewReader(`{"requestId":"r","inputs":[{"intent":"action.devices.SYNC"}]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post-disconnect sync: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 after disconnect", resp.StatusCode)
	}
}

func TestAdmin_KeyRequired(t *testing.T) {
	bridge := newTestBridge(t)

	resp, err := http.Get(bridge.server.URL + "/admin/devices/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without key", resp.StatusCode)
	}
}

func TestAdmin_ListSelectAlias(t *testing.T) {
	bridge := newTestBridge(t)

	adminReq := func(method, path, body string) *http.Response {
		t.Helper()
		var req *http.Request
		if body == "" {
			req, _ = http.NewRequest(method, bridge.server.URL+path, nil)
		} else {
			req, _ = http.NewRequest(method, bridge.server.URL+path, strings.NewReader(body))
		}
		req.Header.Set("X-Admin-Key", "hunter2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	resp := adminReq(http.MethodGet, "/admin/devices/", "")
	var listing struct {
		Devices []adminDevice `json:"devices"`
		Total   int           `json:"total"`
	}
	json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()
	if listing.Total != 2 {
		t.Fatalf("total = %d, want 2", listing.Total)
	}

	resp = adminReq(http.MethodPost, "/admin/devices/select",
		`{"devices":{"light.kitchen":true,"switch.heater":false}}`)
	resp.Body.Close()
	if !bridge.identity.IsSelected("light.kitchen") || bridge.identity.IsSelected("switch.heater") {
		t.Error("selection not applied")
	}

	resp = adminReq(http.MethodPost, "/admin/devices/alias",
		`{"entity_id":"light.kitchen","alias":"Cooking Lamp"}`)
	resp.Body.Close()
	if alias, ok := bridge.identity.Alias("light.kitchen"); !ok || alias != "Cooking Lamp" {
		t.Errorf("alias = %q, %v", alias, ok)
	}
}
