package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/cache"
	"github.com/quickchat/realtime-service/internal/call"
	"github.com/quickchat/realtime-service/internal/config"
	"github.com/quickchat/realtime-service/internal/identity"
	"github.com/quickchat/realtime-service/internal/observability"
	"github.com/quickchat/realtime-service/internal/presence"
	"github.com/quickchat/realtime-service/internal/registry"
)

const replyTimeout = 2 * time.Second

// Server exposes the realtime engine: a websocket command endpoint plus a
// small snapshot/ops REST surface. Request validation and auth proper live
// upstream; the gateway only verifies the connection token and routes
// commands to actors.
type Server struct {
	cfg       config.Config
	reg       *registry.Registry
	bus       *broker.Broker
	bc        *broadcast.Broadcaster
	snapshots *cache.PresenceCache
	verifier  identity.Verifier
	metrics   *observability.Metrics
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, reg *registry.Registry, bus *broker.Broker, bc *broadcast.Broadcaster, snapshots *cache.PresenceCache, verifier identity.Verifier, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		bc:        bc,
		snapshots: snapshots,
		verifier:  verifier,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/realtime/ws", s.handleWS)
	r.Get("/v1/presence/bulk", s.handlePresenceBulk)
	r.Get("/v1/calls/{id}", s.handleCallSnapshot)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.snapshots.HealthCheck(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "cache_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handlePresenceBulk(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_ids"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "missing_user_ids", "query parameter user_ids is required")
		return
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	respondJSON(w, http.StatusOK, s.presenceSnapshots(ids))
}

func (s *Server) handleCallSnapshot(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	h, ok := s.reg.Lookup(registry.Key{Kind: registry.KindCall, ID: id})
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with that id")
		return
	}
	snap, ok := s.callSnapshot(h)
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "call terminated")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) callSnapshot(h *registry.Handle) (call.Snapshot, bool) {
	reply := make(chan call.Snapshot, 1)
	if err := h.Send(call.SnapshotReq{Reply: reply}); err != nil {
		return call.Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-h.Done():
		return call.Snapshot{}, false
	case <-time.After(replyTimeout):
		return call.Snapshot{}, false
	}
}

// presenceSnapshots resolves each user against the local actor first, then
// the cross-node snapshot cache, defaulting to offline. Pure read: no
// subscription side-effects, no actor creation.
func (s *Server) presenceSnapshots(userIDs []string) map[string]presence.Snapshot {
	out := make(map[string]presence.Snapshot, len(userIDs))
	var missing []string
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		h, ok := s.reg.Lookup(registry.Key{Kind: registry.KindPresence, ID: id})
		if !ok {
			missing = append(missing, id)
			continue
		}
		reply := make(chan presence.Snapshot, 1)
		if err := h.Send(presence.SnapshotReq{Reply: reply}); err != nil {
			missing = append(missing, id)
			continue
		}
		select {
		case snap := <-reply:
			out[id] = snap
		case <-time.After(replyTimeout):
			missing = append(missing, id)
		}
	}

	cached := s.snapshots.GetBulk(missing)
	for _, id := range missing {
		if snap, ok := cached[id]; ok {
			out[id] = presence.Snapshot{
				UserID:       snap.UserID,
				Status:       presence.Status(snap.Status),
				LastActivity: snap.LastActivity,
				Metadata:     snap.Metadata,
			}
			continue
		}
		out[id] = presence.Snapshot{UserID: id, Status: presence.StatusOffline}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
