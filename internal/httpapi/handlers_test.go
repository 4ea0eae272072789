package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/engine"
	"github.com/hamed0406/safealert/internal/feed"
	apimw "github.com/hamed0406/safealert/internal/httpapi/middleware"
	"github.com/hamed0406/safealert/internal/metrics"
	"github.com/hamed0406/safealert/internal/repo/memory"
	"github.com/hamed0406/safealert/internal/vault"
)

// ---- test helpers ----

type fakeInjector struct {
	mu      sync.Mutex
	samples []domain.PositionSample
}

func (f *fakeInjector) Inject(_ context.Context, s domain.PositionSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeInjector) Samples() []domain.PositionSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PositionSample(nil), f.samples...)
}

type fakeEngine struct {
	mu        sync.Mutex
	checkIn   bool
	refreshes int
}

func (f *fakeEngine) SetCheckIn(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIn = on
}

func (f *fakeEngine) CheckIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkIn
}

func (f *fakeEngine) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeEngine) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeEngine) Status() engine.Status { return engine.Status{CheckIn: f.CheckIn()} }

type env struct {
	ts    *httptest.Server
	store *memory.Store
	src   *feed.ChannelSource
	inj   *fakeInjector
	eng   *fakeEngine
	reg   *prometheus.Registry
	vault *vault.Vault
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: memory.New(),
		src:   feed.NewChannelSource(1),
		inj:   &fakeInjector{},
		eng:   &fakeEngine{},
		reg:   prometheus.NewRegistry(),
	}
	e.vault = vault.New(e.store, vault.NopSealer{})
	metrics.New(e.reg).AlertCreated("MANUAL_TRIGGER")

	srv := NewServer(Server{
		Logger:    zap.NewNop(),
		Alerts:    e.store,
		Zones:     e.store,
		Contacts:  e.vault,
		Positions: e.src,
		Triggers:  e.inj,
		Engine:    e.eng,
		Gatherer:  e.reg,
	})
	keys := apimw.Keys{
		Public: []string{"pub_test"},
		Admin:  []string{"adm_test"},
	}
	// very high rate limits to avoid flakiness in tests
	e.ts = httptest.NewServer(srv.Router(keys, nil, 10_000, 10_000, 10_000, 10_000))
	t.Cleanup(e.ts.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req, _ := http.NewRequest(method, e.ts.URL+path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// ---- tests ----

func TestHealthzAndMetrics(t *testing.T) {
	e := setup(t)
	if resp := e.do(t, http.MethodGet, "/healthz", "", ""); resp.StatusCode != 200 {
		t.Fatalf("healthz %d", resp.StatusCode)
	}
	resp := e.do(t, http.MethodGet, "/metrics", "", "")
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "safealert_alerts_created_total") {
		t.Fatalf("metrics missing collector:\n%s", b)
	}
}

func TestAuth_PublicReadAdminWrite(t *testing.T) {
	e := setup(t)
	if resp := e.do(t, http.MethodGet, "/api/alerts", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: want 401 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/alerts", "pub_test", ""); resp.StatusCode != 200 {
		t.Fatalf("public read: want 200 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/api/sos", "pub_test", ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("public write: want 403 got %d", resp.StatusCode)
	}
}

func TestPosition_OfferedToFeed(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodPost, "/api/positions", "adm_test", `{"lat":59.33,"lng":18.07,"accuracy_m":8}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 got %d", resp.StatusCode)
	}
	f, err := e.src.Next(context.Background(), feed.DefaultRequest())
	if err != nil {
		t.Fatal(err)
	}
	if f.Lat != 59.33 || f.AccuracyMeters != 8 || f.Time.IsZero() {
		t.Fatalf("unexpected fix %+v", f)
	}

	if resp := e.do(t, http.MethodPost, "/api/positions", "adm_test", `{"lat":91,"lng":0}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad lat: want 400 got %d", resp.StatusCode)
	}

	// buffer of one: the second report finds it full
	e.do(t, http.MethodPost, "/api/positions", "adm_test", `{"lat":1,"lng":1}`)
	if resp := e.do(t, http.MethodPost, "/api/positions", "adm_test", `{"lat":1,"lng":1}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("full feed: want 503 got %d", resp.StatusCode)
	}
}

func TestSOSAndCancel_InjectSamples(t *testing.T) {
	e := setup(t)
	if resp := e.do(t, http.MethodPost, "/api/sos", "adm_test", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sos: want 202 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/api/sos", "adm_test", `{"lat":10.5,"lng":20.25}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sos with position: want 202 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/api/sos/cancel", "adm_test", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel: want 202 got %d", resp.StatusCode)
	}

	got := e.inj.Samples()
	if len(got) != 3 {
		t.Fatalf("want 3 injected samples, got %d", len(got))
	}
	if got[0].Kind != domain.SampleManual || got[0].HasPosition() {
		t.Fatalf("plain sos wrong: %+v", got[0])
	}
	if got[1].Lat != 10.5 || !got[1].HasPosition() {
		t.Fatalf("sos position wrong: %+v", got[1])
	}
	if got[2].Kind != domain.SampleCancel {
		t.Fatalf("cancel wrong: %+v", got[2])
	}
}

func TestCheckIn(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodPut, "/api/checkin", "adm_test", `{"enabled":true}`)
	if resp.StatusCode != 200 {
		t.Fatalf("want 200 got %d", resp.StatusCode)
	}
	var out map[string]bool
	decodeBody(t, resp, &out)
	if !out["check_in"] || !e.eng.CheckIn() {
		t.Fatalf("check-in not armed: %v", out)
	}
	if resp := e.do(t, http.MethodPut, "/api/checkin", "adm_test", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing enabled: want 400 got %d", resp.StatusCode)
	}
}

func TestZones_CRUD(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodPost, "/api/zones", "adm_test",
		`{"id":"home","name":"Home","mode":"SAFE","center":{"lat":59.33,"lng":18.07},"radius_m":150}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: want 201 got %d", resp.StatusCode)
	}
	var z domain.SafetyZone
	decodeBody(t, resp, &z)
	if !z.Active || z.ID != "home" {
		t.Fatalf("zone wrong: %+v", z)
	}

	for name, body := range map[string]string{
		"no shape":   `{"mode":"SAFE","center":{"lat":1,"lng":1}}`,
		"bad mode":   `{"mode":"MAYBE","radius_m":5}`,
		"short poly": `{"mode":"DANGER","polygon":[{"lat":1,"lng":1},{"lat":2,"lng":2}]}`,
		"unknown":    `{"mode":"SAFE","radius_m":5,"colour":"red"}`,
	} {
		if resp := e.do(t, http.MethodPost, "/api/zones", "adm_test", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: want 400 got %d", name, resp.StatusCode)
		}
	}

	resp = e.do(t, http.MethodGet, "/api/zones", "pub_test", "")
	var zs []domain.SafetyZone
	decodeBody(t, resp, &zs)
	if len(zs) != 1 {
		t.Fatalf("want 1 zone, got %d", len(zs))
	}

	if resp := e.do(t, http.MethodDelete, "/api/zones/home", "adm_test", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodDelete, "/api/zones/home", "adm_test", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete again: want 404 got %d", resp.StatusCode)
	}
	if n := e.eng.Refreshes(); n != 2 {
		t.Fatalf("engine should refresh after each change, got %d", n)
	}
}

func TestContacts_IdentifiersNeverReturned(t *testing.T) {
	e := setup(t)
	resp := e.do(t, http.MethodPost, "/api/contacts", "adm_test",
		`{"name":"Alice","priority":1,"channels":[{"kind":"sms","identifier":"+46701234567"}]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: want 201 got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(b), "46701234567") {
		t.Fatalf("identifier leaked: %s", b)
	}
	var c contactView
	if err := json.Unmarshal(b, &c); err != nil {
		t.Fatal(err)
	}
	if c.ID == "" || len(c.Channels) != 1 || c.Channels[0] != domain.ChannelSMS {
		t.Fatalf("contact wrong: %+v", c)
	}

	if resp := e.do(t, http.MethodPost, "/api/contacts", "adm_test", `{"name":"Bob","channels":[{"kind":"fax","identifier":"x"}]}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: want 400 got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/contacts", "pub_test", "")
	b, _ = io.ReadAll(resp.Body)
	if strings.Contains(string(b), "46701234567") || !strings.Contains(string(b), "Alice") {
		t.Fatalf("list wrong: %s", b)
	}

	if resp := e.do(t, http.MethodDelete, "/api/contacts/"+c.ID, "adm_test", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204 got %d", resp.StatusCode)
	}
}

func TestAlerts_ListAndDetail(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	at := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	if err := e.store.Insert(ctx, &domain.AlertEvent{ID: "a1", Cause: domain.CauseManual, State: domain.StatePending, CreatedAt: at, NextAttemptAt: at, UpdatedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.AppendAttempt(ctx, &domain.DeliveryAttempt{AlertID: "a1", ContactID: "c1", AttemptedAt: at, Result: domain.ResultTransient}); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodGet, "/api/alerts?limit=10", "pub_test", "")
	var list []domain.AlertEvent
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].ID != "a1" {
		t.Fatalf("list wrong: %+v", list)
	}

	resp = e.do(t, http.MethodGet, "/api/alerts/a1", "pub_test", "")
	var d struct {
		Alert    domain.AlertEvent        `json:"alert"`
		Attempts []domain.DeliveryAttempt `json:"attempts"`
	}
	decodeBody(t, resp, &d)
	if d.Alert.State != domain.StatePending || len(d.Attempts) != 1 {
		t.Fatalf("detail wrong: %+v", d)
	}

	if resp := e.do(t, http.MethodGet, "/api/alerts/nope", "pub_test", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: want 404 got %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/alerts?limit=0", "pub_test", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: want 400 got %d", resp.StatusCode)
	}
}
