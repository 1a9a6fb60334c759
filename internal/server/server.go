// Package server wires the process's HTTP surfaces: the health endpoint,
// the per-device viewer WebSocket upgrade, and the per-device stats
// endpoint. It is the
// composition point between internal/registry, internal/broadcast, and
// internal/transport that cmd/wallcastd's main starts and stops.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wallcast/wallcast-server/internal/codec"
	"github.com/wallcast/wallcast-server/internal/config"
	"github.com/wallcast/wallcast-server/internal/health"
	"github.com/wallcast/wallcast-server/internal/logging"
	"github.com/wallcast/wallcast-server/internal/registry"
	"github.com/wallcast/wallcast-server/internal/session"
	"github.com/wallcast/wallcast-server/internal/transport"
)

var log = logging.L("server")

// Server owns the HTTP mux and the components it routes requests to.
type Server struct {
	router   *mux.Router
	registry *registry.Registry
	health   *health.Monitor
	cfg      *config.Config
}

// New builds the HTTP router: GET /healthz, GET /stream/{deviceId} which
// upgrades to a viewer websocket connection, and GET /stats/{deviceId}.
func New(cfg *config.Config, reg *registry.Registry, monitor *health.Monitor) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: reg,
		health:   monitor,
		cfg:      cfg,
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stream/{deviceId}", s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/{deviceId}", s.handleStats).Methods(http.MethodGet)

	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.health.Summary()

	status := http.StatusOK
	if s.health.Overall() != health.Healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(summary)
}

// handleStream upgrades the connection to a websocket, ensures the named
// device's session exists with the requested configuration, registers the
// viewer connection, and blocks until the viewer disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if deviceID == "" {
		http.Error(w, "deviceId is required", http.StatusBadRequest)
		return
	}

	cfg := s.deviceConfigFromQuery(r)

	ensureCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	sess, err := s.registry.EnsureDevice(ensureCtx, deviceID, cfg)
	if err != nil {
		log.Error("ensure device failed", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		http.Error(w, "failed to start device session", http.StatusBadGateway)
		return
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		return
	}

	s.registry.Broadcaster().AddClient(deviceID, conn)
	defer s.registry.Broadcaster().RemoveClient(deviceID, conn)
	sess.RequestFullFrame()

	// The request context is not cancelled when the hijacked websocket's
	// peer disconnects, only when the server itself shuts the request
	// down, so wait on the connection's own close signal instead.
	select {
	case <-conn.Done():
	case <-r.Context().Done():
	}
}

// handleStats reports a live device session's Metrics snapshot, used for
// diagnostics without tapping into the tile stream itself.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	sess, ok := s.registry.Lookup(deviceID)
	if !ok {
		http.Error(w, "no active session for device", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Snapshot())
}

// deviceConfigFromQuery builds a DeviceConfig from request query
// parameters, falling back to the process-wide defaults for anything
// omitted or invalid (spec §3).
func (s *Server) deviceConfigFromQuery(r *http.Request) session.DeviceConfig {
	q := r.URL.Query()

	cfg := session.DeviceConfig{
		Width:                  queryInt(q, "width", 320),
		Height:                 queryInt(q, "height", 240),
		TileSize:               queryInt(q, "tileSize", s.cfg.DefaultTileSize),
		Rotation:               codec.Rotation(queryInt(q, "rotation", 0)),
		JPEGQuality:            queryInt(q, "quality", s.cfg.DefaultJPEGQuality),
		FullFrameTileCount:     queryInt(q, "fullFrameTileCount", s.cfg.DefaultFullFrameTileCount),
		FullFrameAreaThreshold: queryFloat(q, "fullFrameAreaThreshold", s.cfg.DefaultFullFrameAreaThreshold),
		FullFrameEvery:         queryInt(q, "fullFrameEvery", s.cfg.DefaultFullFrameEvery),
		EveryNthFrame:          queryInt(q, "everyNthFrame", s.cfg.DefaultEveryNthFrame),
		MinFrameInterval:       time.Duration(queryInt(q, "minFrameIntervalMs", s.cfg.DefaultMinFrameIntervalMs)) * time.Millisecond,
		MaxBytesPerMessage:     queryInt(q, "maxBytes", s.cfg.DefaultMaxBytesPerMessage),
	}
	return cfg
}

func queryInt(q url.Values, key string, fallback int) int {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryFloat(q url.Values, key string, fallback float64) float64 {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
