package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/gateway"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
	"github.com/example/cab-dispatch/internal/presence"
)

// ReadyCheck reports whether a backing dependency is reachable.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	Gateway     *gateway.Gateway
	Registry    *presence.Registry
	Locations   *geo.Store
	Coordinator *dispatch.Coordinator
	Logger      *slog.Logger

	SendBuffer  int
	SendTimeout time.Duration
	// Checks back /ready, keyed by dependency name.
	Checks map[string]ReadyCheck
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		opts:   opts,
		logger: logger,
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}", s.handleGetDriver).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleWS upgrades the connection and pumps frames through the gateway until
// either side closes. The driver or rider that joined on it is then released.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	sess := NewWSSession(conn, s.opts.SendBuffer, s.opts.SendTimeout, s.logger)
	go sess.writePump()
	observability.WSSessionsOpen.Inc()
	defer observability.WSSessionsOpen.Dec()
	s.logger.Debug("ws_connected", "session_id", sess.ID(), "remote_addr", remoteIP(r))

	ctx := context.WithoutCancel(r.Context())
	c := gateway.NewConn(sess)
	sess.readPump(func(frame []byte) bool {
		return s.opts.Gateway.Handle(ctx, c, frame)
	})
	s.opts.Gateway.Disconnect(ctx, c)
	_ = sess.Close()
	s.logger.Debug("ws_disconnected", "session_id", sess.ID())
}

type locationBody struct {
	DriverID string   `json:"driver_id"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng required")
		return
	}
	if _, err := s.opts.Gateway.UpdateLocation(r.Context(), body.DriverID, *body.Lat, *body.Lng); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	d, ok := s.opts.Coordinator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type driverView struct {
	Presence models.DriverPresence  `json:"presence"`
	Location *models.DriverLocation `json:"location,omitempty"`
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	p, ok := s.opts.Registry.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}
	view := driverView{Presence: p}
	if loc, ok := s.opts.Locations.Get(id); ok {
		view.Location = &loc
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
