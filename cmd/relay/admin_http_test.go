package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

func newTestAdmin(t *testing.T) (*relay.Relay, *http.ServeMux) {
	t.Helper()
	r := relay.New(relay.Config{SessionID: "admin-test", Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})

	mux := http.NewServeMux()
	a := &adminAPI{
		relay:   r,
		snapDir: t.TempDir(),
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	a.register(mux)
	mux.HandleFunc("/metrics", metricsHandler(r, nil))
	return r, mux
}

func doLocal(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRejectsRemoteCallers(t *testing.T) {
	_, mux := newTestAdmin(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestAdminStateReportsSession(t *testing.T) {
	_, mux := newTestAdmin(t)
	rec := doLocal(mux, http.MethodGet, "/admin/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		SessionID string        `json:"session_id"`
		Digest    string        `json:"digest"`
		Metrics   relay.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "admin-test" || got.Digest == "" {
		t.Fatalf("got %+v", got)
	}
}

func TestAdminSnapshotWritesDump(t *testing.T) {
	_, mux := newTestAdmin(t)
	if rec := doLocal(mux, http.MethodGet, "/admin/v1/snapshot", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}
	rec := doLocal(mux, http.MethodPost, "/admin/v1/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		OK     bool   `json:"ok"`
		Path   string `json:"path"`
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := os.Stat(got.Path); err != nil {
		t.Fatalf("dump missing: %v", err)
	}
	h, err := snapshot.ReadHeader(got.Path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.SessionID != "admin-test" || h.Digest != got.Digest {
		t.Fatalf("header %+v", h)
	}
}

func TestAdminKickAndSayValidation(t *testing.T) {
	_, mux := newTestAdmin(t)
	if rec := doLocal(mux, http.MethodPost, "/admin/v1/kick", `{"client_id":0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("kick bad request status=%d", rec.Code)
	}
	if rec := doLocal(mux, http.MethodPost, "/admin/v1/kick", `{"client_id":9}`); rec.Code != http.StatusNotFound {
		t.Fatalf("kick unknown status=%d", rec.Code)
	}
	if rec := doLocal(mux, http.MethodPost, "/admin/v1/say", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("say empty status=%d", rec.Code)
	}
	if rec := doLocal(mux, http.MethodPost, "/admin/v1/say", `{"text":"closing soon"}`); rec.Code != http.StatusOK {
		t.Fatalf("say status=%d", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	_, mux := newTestAdmin(t)
	rec := doLocal(mux, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, want := range []string{
		`vgt_relay_clients{session="admin-test"} 0`,
		"# TYPE vgt_relay_batches_total counter",
		`vgt_relay_queue_depth{session="admin-test",queue="inbox"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "vgt_index_") {
		t.Fatalf("index metrics without an index")
	}
}
