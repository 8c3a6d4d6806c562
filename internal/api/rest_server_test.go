package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/annel0/mineworlds/internal/auth"
	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/mines"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/regen"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/storage"
	"github.com/annel0/mineworlds/internal/tracker"
	"github.com/annel0/mineworlds/internal/worlds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	rs    *RestServer
	svc   *worlds.Service
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := registry.New()
	t.Cleanup(reg.Close)
	promReg := prometheus.NewRegistry()
	prov := provision.NewService(schematic.NewStore(schematic.NewBuiltinLoader()), reg, engine.NewMemory(),
		provision.Config{}, provision.NewMetrics(promReg))
	tr := tracker.New(nil)
	mgr := mines.NewManager(prov, tr, storage.NewMemoryMineRepo(), mines.Config{Template: "mine_template"})
	svc := worlds.New(worlds.Config{
		SpawnWorld:    "spawn",
		SpawnTemplate: "spawn",
		Regen:         regen.Config{Threshold: 0.8, SweepInterval: time.Hour},
	}, worlds.Deps{Provisioner: prov, Tracker: tr, Mines: mgr, Registerer: promReg})
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Bootstrap(context.Background()))

	issuer, err := auth.NewIssuer("", time.Hour)
	require.NoError(t, err)
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	rs := NewRestServer(Config{
		Worlds:   svc,
		Issuer:   issuer,
		Admin:    auth.AdminCredentials{Username: "admin", PasswordHash: hash},
		Registry: promReg,
	})
	ts := &testServer{rs: rs, svc: svc}

	w := ts.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Username: "admin", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	ts.token = resp.Token
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.rs.Handler().ServeHTTP(w, req)
	return w
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""

	w := ts.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/worlds", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNonAdminTokenForbidden(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.rs.issuer.Generate("player", false)
	require.NoError(t, err)
	ts.token = token

	w := ts.do(t, http.MethodGet, "/api/worlds", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestProvisionListAndRemoveWorld(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/worlds/arena/provision", map[string]string{"template": "spawn"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/worlds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"arena"`)

	w = ts.do(t, http.MethodDelete, "/api/worlds/arena", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/worlds/arena", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProvisionUnknownTemplate(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/worlds/void/provision", map[string]string{"template": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, loaded := ts.svc.ResolveWorld("void")
	assert.False(t, loaded)
}

func TestTeleportAndPlayerWorld(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/players/p1/world", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/players/p1/teleport", map[string]string{"world": "nowhere"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/players/p1/teleport", map[string]string{"world": "spawn"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/players/p1/world", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"world":"spawn"`)
}

func TestMineEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/mines/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := ts.svc.GetOrCreateMine(context.Background(), "alice", "Alice")
	require.NoError(t, err)

	w = ts.do(t, http.MethodGet, "/api/mines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = ts.do(t, http.MethodPost, "/api/mines/alice/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"mine_alice"`)

	w = ts.do(t, http.MethodGet, "/api/mines/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"regen"`)

	w = ts.do(t, http.MethodPost, "/api/mines/alice/blocks-broken", map[string]int{"count": 3})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"regeneration_started":false`)

	// огромный count обрезается до числа блоков шахты
	status, tracked := ts.svc.Scheduler().Status("mine_alice")
	require.True(t, tracked)
	w = ts.do(t, http.MethodPost, "/api/mines/alice/blocks-broken", map[string]int{"count": 1 << 30})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, status.TotalBlocks, resp.Data.Count)
}

func TestBlocksBrokenForUnbuiltMineIsIgnored(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.svc.GetOrCreateMine(context.Background(), "bob", "Bob")
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/mines/bob/blocks-broken", map[string]int{"count": 1 << 30})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestServerInfo(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/server", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"worlds":2`)
}
