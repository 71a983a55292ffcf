// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/auth"
	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const DefaultHeartbeatInterval = 15 * time.Second

// Backend is the authoritative store behind the handlers.
type Backend interface {
	oversync.RemoteAdapter
	oversync.BatchAdapter
	oversync.RemoteFetcher
}

// ServerConfig holds handler settings.
type ServerConfig struct {
	HeartbeatInterval time.Duration
}

// Handlers serves the REST routes the Client calls plus /health and the
// live channel.
type Handlers struct {
	backend   Backend
	auth      *JWTAuth
	logger    *slog.Logger
	heartbeat time.Duration
	hub       *liveHub
}

// NewHandlers creates the HTTP handlers. auth may be nil to serve without
// authentication.
func NewHandlers(backend Backend, jwtAuth *JWTAuth, config *ServerConfig, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := DefaultHeartbeatInterval
	if config != nil && config.HeartbeatInterval > 0 {
		heartbeat = config.HeartbeatInterval
	}
	return &Handlers{
		backend:   backend,
		auth:      jwtAuth,
		logger:    logger,
		heartbeat: heartbeat,
		hub:       newLiveHub(),
	}
}

// Routes returns a mux with every route registered.
func (h *Handlers) Routes() http.Handler {
	protect := func(fn http.HandlerFunc) http.Handler {
		if h.auth == nil {
			return fn
		}
		return h.auth.Middleware(fn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthPath, h.HandleHealth)
	mux.Handle("GET "+livePath, protect(h.HandleLive))
	mux.Handle("POST "+batchPath, protect(h.HandleBatch))
	mux.Handle("POST /rest/{table}", protect(h.HandleInsert))
	mux.Handle("PATCH /rest/{table}/{id}", protect(h.HandleUpdate))
	mux.Handle("DELETE /rest/{table}/{id}", protect(h.HandleDelete))
	mux.Handle("GET /rest/{table}", protect(h.HandleFetch))
	return mux
}

// Close ends every live connection. New live connections are refused.
func (h *Handlers) Close() {
	h.hub.close()
}

// Publish announces a change to every live subscriber.
func (h *Handlers) Publish(table, id string) {
	h.hub.publish(LiveMessage{Type: LiveChange, Time: time.Now().UTC(), Table: table, ID: id})
}

func (h *Handlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var row oversync.Row
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse row")
		return
	}

	res, err := h.backend.Insert(r.Context(), table, row)
	if err != nil {
		h.writeBackendError(w, r, "insert", table, err)
		return
	}
	h.Publish(table, oversync.RowID(row))
	h.respond(w, http.StatusCreated, res)
}

func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	table, id := r.PathValue("table"), r.PathValue("id")
	var row oversync.Row
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse row")
		return
	}

	res, err := h.backend.Update(r.Context(), table, row, id)
	if err != nil {
		h.writeBackendError(w, r, "update", table, err)
		return
	}
	h.Publish(table, id)
	h.respond(w, http.StatusOK, res)
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	table, id := r.PathValue("table"), r.PathValue("id")
	res, err := h.backend.Delete(r.Context(), table, id)
	if err != nil {
		h.writeBackendError(w, r, "delete", table, err)
		return
	}
	if res.Affected > 0 {
		h.Publish(table, id)
	}
	h.respond(w, http.StatusOK, res)
}

func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch")
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "batch has no calls")
		return
	}

	results, err := h.backend.Batch(r.Context(), req.Calls)
	if err != nil {
		h.writeBackendError(w, r, "batch", "", err)
		return
	}
	for _, call := range req.Calls {
		id := call.MatchID
		if id == "" {
			id = oversync.RowID(call.Row)
		}
		h.Publish(call.Table, id)
	}
	h.respond(w, http.StatusOK, batchResponse{Results: results})
}

func (h *Handlers) HandleFetch(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		since = ts
	}

	rows, err := h.backend.Fetch(r.Context(), table, since)
	if err != nil {
		h.writeBackendError(w, r, "fetch", table, err)
		return
	}
	if rows == nil {
		rows = []oversync.Row{}
	}
	h.respond(w, http.StatusOK, fetchResponse{Rows: rows})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"live_clients": h.hub.count(),
	})
}

// HandleLive upgrades to a websocket that gets a hello, periodic heartbeats
// and change notices until either side goes away.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.hub.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server shutting down")
		return
	}
	defer h.hub.unsubscribe(ch)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	device := auth.DeviceID(r.Context())
	h.logger.Debug("Live client connected", "device_id", device, "clients", h.hub.count())

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away
	ctx := conn.CloseRead(r.Context())

	if err := writeLive(ctx, conn, LiveMessage{Type: LiveHello, Time: time.Now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Live client disconnected", "device_id", device)
			return
		case <-ticker.C:
			if err := writeLive(ctx, conn, LiveMessage{Type: LiveHeartbeat, Time: time.Now().UTC()}); err != nil {
				return
			}
		case msg, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeLive(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeLive(ctx context.Context, conn *websocket.Conn, msg LiveMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Handlers) respond(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeBackendError maps a backend failure onto the status codes the Client
// classifies: 404 missing row, 403 permission, 422 other permanent, 503 transient.
func (h *Handlers) writeBackendError(w http.ResponseWriter, r *http.Request, op, table string, err error) {
	device := auth.DeviceID(r.Context())
	switch {
	case errors.Is(err, oversync.ErrRemoteRowNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case oversync.IsPermanent(err):
		h.logger.Warn("Rejected remote write", "op", op, "table", table, "device_id", device, "error", err)
		if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
			writeError(w, http.StatusForbidden, "forbidden", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		h.logger.Error("Failed to apply remote call", "op", op, "table", table, "device_id", device, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "backend unavailable, retry later")
	}
}

// liveHub fans change notices out to live connections.
type liveHub struct {
	mu     sync.Mutex
	subs   map[chan LiveMessage]struct{}
	closed bool
}

func newLiveHub() *liveHub {
	return &liveHub{subs: make(map[chan LiveMessage]struct{})}
}

func (hub *liveHub) subscribe() (chan LiveMessage, bool) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.closed {
		return nil, false
	}
	ch := make(chan LiveMessage, 16)
	hub.subs[ch] = struct{}{}
	return ch, true
}

func (hub *liveHub) unsubscribe(ch chan LiveMessage) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if _, ok := hub.subs[ch]; ok {
		delete(hub.subs, ch)
		close(ch)
	}
}

// publish drops the message for subscribers whose buffer is full.
func (hub *liveHub) publish(msg LiveMessage) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for ch := range hub.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (hub *liveHub) count() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.subs)
}

func (hub *liveHub) close() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.closed = true
	for ch := range hub.subs {
		delete(hub.subs, ch)
		close(ch)
	}
}
