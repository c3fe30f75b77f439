package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/indexdb"
	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

// adminAPI serves the local-only admin endpoints. None of them change table
// state except kick, which goes through the relay loop like a leave.
type adminAPI struct {
	relay   *relay.Relay
	index   *indexdb.SQLiteIndex
	snapDir string
	log     zerolog.Logger
	now     func() time.Time
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.loopback(a.handleState))
	mux.HandleFunc("/admin/v1/snapshot", a.loopback(a.handleSnapshot))
	mux.HandleFunc("/admin/v1/kick", a.loopback(a.handleKick))
	mux.HandleFunc("/admin/v1/say", a.loopback(a.handleSay))
}

func (a *adminAPI) loopback(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := a.relay.RequestState(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	resp := struct {
		relay.State
		Metrics relay.Metrics `json:"metrics"`
	}{State: st, Metrics: a.relay.Metrics()}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminAPI) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snap, digest, err := a.relay.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	dump := snapshot.NewDump(snap, digest, now())
	path := filepath.Join(a.snapDir, snapshot.FileName(dump.Header))
	if err := snapshot.WriteSnapshot(path, dump); err != nil {
		a.log.Error().Err(err).Str("path", path).Msg("snapshot write")
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if a.index != nil {
		a.index.RecordSnapshot(path, dump.Header)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "digest": digest})
}

type kickRequest struct {
	ClientID int    `json:"client_id"`
	Reason   string `json:"reason"`
}

func (a *adminAPI) handleKick(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID <= 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "client_id required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := a.relay.RequestKick(ctx, req.ClientID, req.Reason)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": err.Error()})
	case err != nil:
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
	default:
		a.log.Info().Int("client_id", req.ClientID).Str("reason", req.Reason).Msg("admin kick")
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	}
}

type sayRequest struct {
	Text string `json:"text"`
}

func (a *adminAPI) handleSay(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "text required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.relay.RequestSay(ctx, req.Text); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
