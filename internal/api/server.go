package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"smarthome/internal/app"
	"smarthome/internal/device"
	"smarthome/internal/metrics"
	"smarthome/internal/schedule"
	"smarthome/internal/shadowstate"
	"smarthome/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Controller is the part of app.Controller the API calls into
type Controller interface {
	Status() (app.Status, error)
	CurrentPlan() (schedule.Plan, error)
	ToggleDevice(id device.ID) (device.OnOff, error)
	SetArrivalTime(text string) (time.Time, error)
	EnableScheduling(enabled bool) error
	Decisions() *shadowstate.SchedulerShadowState
	Subscribe() (<-chan schedule.Notification, func())
	Tips() []string
}

// Server provides the HTTP control surface
type Server struct {
	ctrl     Controller
	metrics  *metrics.Metric
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new API server listening on addr once started
func NewServer(ctrl Controller, m *metrics.Metric, logger *zap.Logger, addr string) *Server {
	s := &Server{
		ctrl:    ctrl,
		metrics: m,
		logger:  logger.Named("api"),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/state", m.TimeTracker(s.handleGetState, "state"))
	mux.HandleFunc("/api/plan", m.TimeTracker(s.handleGetPlan, "plan"))
	mux.HandleFunc("/api/devices/{id}/toggle", m.TimeTracker(s.handleToggle, "toggle"))
	mux.HandleFunc("/api/arrival", m.TimeTracker(s.handleSetArrival, "arrival"))
	mux.HandleFunc("/api/scheduling", m.TimeTracker(s.handleSetScheduling, "scheduling"))
	mux.HandleFunc("/api/decisions", m.TimeTracker(s.handleGetDecisions, "decisions"))
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// StateResponse represents the JSON response for the state endpoint
type StateResponse struct {
	Now               time.Time       `json:"now"`
	Devices           map[string]bool `json:"devices"`
	SchedulingEnabled bool            `json:"scheduling_enabled"`
	ArrivalTime       string          `json:"arrival_time"`
	Plan              schedule.Plan   `json:"plan"`
}

// ToggleResponse is returned by the toggle endpoint
type ToggleResponse struct {
	Device  device.ID `json:"device"`
	State   string    `json:"state"`
	Warning string    `json:"warning,omitempty"`
}

// ArrivalRequest is the body of PUT /api/arrival
type ArrivalRequest struct {
	Time string `json:"time"`
}

// ArrivalResponse is returned after an accepted arrival time
type ArrivalResponse struct {
	Arrival time.Time     `json:"arrival"`
	Plan    schedule.Plan `json:"plan"`
}

// SchedulingRequest is the body of PUT /api/scheduling
type SchedulingRequest struct {
	Enabled *bool `json:"enabled"`
}

// SchedulingResponse is returned after scheduling was switched
type SchedulingResponse struct {
	Enabled bool          `json:"enabled"`
	Plan    schedule.Plan `json:"plan"`
}

// ErrorResponse carries a client-facing error message
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleGetState returns device states and the schedule
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.ctrl.Status()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	response := StateResponse{
		Now:               status.Now,
		Devices:           make(map[string]bool, len(status.Devices)),
		SchedulingEnabled: status.SchedulingEnabled,
		ArrivalTime:       status.ArrivalTime,
		Plan:              status.Plan,
	}
	for id, state := range status.Devices {
		response.Devices[string(id)] = bool(state)
	}

	s.writeJSON(w, http.StatusOK, response)
	s.logger.Debug("State request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handleGetPlan returns the activation deadlines
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	plan, err := s.ctrl.CurrentPlan()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

// handleToggle flips a device. A failed save is reported as a warning; the
// toggle itself stands.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := device.ParseID(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	state, err := s.ctrl.ToggleDevice(id)
	response := ToggleResponse{Device: id, State: state.String()}

	var persistErr *store.PersistenceError
	switch {
	case err == nil:
	case errors.As(err, &persistErr):
		response.Warning = fmt.Sprintf("state not saved: %v", persistErr)
	default:
		s.writeControllerError(w, err)
		return
	}

	s.logger.Info("Device toggled via API",
		zap.String("device", string(id)),
		zap.Stringer("state", state),
		zap.Bool("saved", response.Warning == ""))
	s.writeJSON(w, http.StatusOK, response)
}

// handleSetArrival parses and applies a new arrival time
func (s *Server) handleSetArrival(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ArrivalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	arrival, err := s.ctrl.SetArrivalTime(req.Time)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidArrival) {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		s.writeControllerError(w, err)
		return
	}

	plan, err := s.ctrl.CurrentPlan()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ArrivalResponse{Arrival: arrival, Plan: plan})
}

// handleSetScheduling enables or disables scheduling
func (s *Server) handleSetScheduling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SchedulingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.Enabled == nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `missing "enabled"`})
		return
	}

	if err := s.ctrl.EnableScheduling(*req.Enabled); err != nil {
		s.writeControllerError(w, err)
		return
	}

	plan, err := s.ctrl.CurrentPlan()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SchedulingResponse{Enabled: *req.Enabled, Plan: plan})
}

// handleGetDecisions returns the scheduler shadow state
func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Decisions())
}

// handleNotifications streams notifications over a websocket until the
// client goes away or the server stops
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	notifications, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	s.logger.Debug("Notification stream opened", zap.String("remote_addr", r.RemoteAddr))

	// The reader only detects the client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case n, ok := <-notifications:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "controller stopped"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("Notification write failed", zap.Error(err))
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			s.logger.Debug("Notification stream closed by client", zap.String("remote_addr", r.RemoteAddr))
			return

		case <-s.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		}
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/state", Method: "GET", Description: "Device states, scheduling flag, arrival time and plan"},
	{Path: "/api/plan", Method: "GET", Description: "Activation deadlines (null when nothing is planned)"},
	{Path: "/api/devices/{id}/toggle", Method: "POST", Description: "Toggle light, ac, tv, washer or camera"},
	{Path: "/api/arrival", Method: "PUT", Description: `Set the arrival time, body {"time": "HH:MM"}`},
	{Path: "/api/scheduling", Method: "PUT", Description: `Enable or disable scheduling, body {"enabled": true}`},
	{Path: "/api/decisions", Method: "GET", Description: "Recent scheduler decisions and their inputs"},
	{Path: "/api/notifications", Method: "GET", Description: "Websocket stream of notifications"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/health", Method: "GET", Description: `Health check endpoint - returns {"status": "ok"}`},
}

// handleSitemap lists the endpoints and usage tips
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")
	tips := s.ctrl.Tips()

	// Return 404 status code (for automation compatibility) but with helpful body
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Smarthome Control Panel API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        h2 { color: #569cd6; margin-top: 30px; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Smarthome Control Panel API</h1>
    <h2>Available Endpoints</h2>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, html.EscapeString(ep.Method), html.EscapeString(ep.Path), html.EscapeString(ep.Description))
		}
		fmt.Fprint(w, "    <h2>Tips</h2>\n    <ul>\n")
		for _, tip := range tips {
			fmt.Fprintf(w, "        <li>%s</li>\n", html.EscapeString(tip))
		}
		fmt.Fprint(w, "    </ul>\n</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Smarthome Control Panel API\n")
		fmt.Fprintf(w, "===========================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-26s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nTips:\n\n")
		for _, tip := range tips {
			fmt.Fprintf(w, "  - %s\n", tip)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  curl -X PUT -d '{\"time\":\"18:30\"}' http://%s/api/arrival\n", s.server.Addr)
		fmt.Fprintf(w, "  curl -X PUT -d '{\"enabled\":true}' http://%s/api/scheduling\n", s.server.Addr)
		fmt.Fprintf(w, "  curl -X POST http://%s/api/devices/light/toggle\n", s.server.Addr)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, app.ErrStopped) {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Error("Controller call failed", zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}

// Start binds the listen address and serves requests in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server and closes notification streams
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
