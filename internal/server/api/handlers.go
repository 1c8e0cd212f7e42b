package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/internal/server/auth"
	"github.com/driftsync/driftsync/internal/server/session"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/internal/server/wal"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Handler holds the sync server's HTTP surface.
type Handler struct {
	store   *store.Store
	auth    *auth.Service
	hub     *wal.Hub
	config  Config
	metrics metrics.SyncMetrics

	upgrader websocket.Upgrader
}

// NewHandler wires the HTTP handlers. Metrics collection is picked up
// from the metrics registry when it has been initialised.
func NewHandler(st *store.Store, authSvc *auth.Service, hub *wal.Hub, cfg Config) *Handler {
	cfg.ApplyDefaults()
	return &Handler{
		store:   st,
		auth:    authSvc,
		hub:     hub,
		config:  cfg,
		metrics: metrics.NewSyncMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// Liveness reports process health.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, OKResponse(map[string]any{"service": "driftsync"}))
}

// Readiness reports whether the store answers.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	current, err := h.store.CurrentLSN()
	if err != nil {
		JSON(w, http.StatusServiceUnavailable, ErrorResponse("store unavailable"))
		return
	}
	JSON(w, http.StatusOK, OKResponse(map[string]any{"lsn": current.String()}))
}

type replicationInitRequest struct {
	ClientID string `json:"clientId"`
}

// ReplicationInit registers a replica. The call is idempotent: calling
// it again for a known client refreshes the registration and changes
// nothing else.
func (h *Handler) ReplicationInit(w http.ResponseWriter, r *http.Request) {
	var req replicationInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse("malformed request body"))
		return
	}
	if req.ClientID == "" {
		JSON(w, http.StatusBadRequest, ErrorResponse("clientId is required"))
		return
	}

	claims := claimsFrom(r.Context())
	if claims == nil || claims.ClientID != req.ClientID {
		JSON(w, http.StatusForbidden, ErrorResponse("token does not match clientId"))
		return
	}

	client, err := h.store.RegisterClient(req.ClientID)
	if err != nil {
		logger.Error("Failed to register client", "client_id", req.ClientID, "error", err)
		JSON(w, http.StatusInternalServerError, ErrorResponse("registration failed"))
		return
	}

	logger.Info("Replication initialised", "client_id", client.ID)
	JSON(w, http.StatusOK, OKResponse(map[string]any{
		"clientId": client.ID,
		"lastLSN":  client.LastLSN,
	}))
}

// ListClients returns every registered replica.
func (h *Handler) ListClients(w http.ResponseWriter, _ *http.Request) {
	clients, err := h.store.ListClients()
	if err != nil {
		JSON(w, http.StatusInternalServerError, ErrorResponse("failed to list clients"))
		return
	}

	type entry struct {
		ClientID string `json:"clientId"`
		LastLSN  string `json:"lastLSN"`
		LastSeen int64  `json:"lastSeen"`
	}
	out := make([]entry, 0, len(clients))
	for _, c := range clients {
		out = append(out, entry{ClientID: c.ID, LastLSN: c.LastLSN, LastSeen: c.LastSeen})
	}
	JSON(w, http.StatusOK, OKResponse(out))
}

// Sync upgrades to a websocket and runs the session until the client
// goes away. The clientId query parameter must match the token.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		JSON(w, http.StatusBadRequest, ErrorResponse("clientId query parameter is required"))
		return
	}

	claims := claimsFrom(r.Context())
	if claims == nil || claims.ClientID != clientID {
		JSON(w, http.StatusForbidden, ErrorResponse("token does not match clientId"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn("Websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	conn := wire.NewConn(ws, h.config.HeartbeatInterval)
	defer conn.Close()

	sess := session.New(conn, h.store, h.hub, clientID, session.Config{
		ChunkSize:  h.config.ChunkSize,
		AckTimeout: h.config.AckTimeout,
		Metrics:    h.metrics,
	})
	if err := sess.Run(r.Context()); err != nil {
		logger.Info("Sync session ended", "client_id", clientID, "reason", err)
	}
}
