// Package web serves the REST control plane shared by all devices: live
// status, PDU management, rule CRUD, history queries, reports, and
// outlet commands. CORS is wide open; the API is assumed to live on a
// private network.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/pdu-mqtt/internal/automation"
	"github.com/sweeney/pdu-mqtt/internal/devices"
	"github.com/sweeney/pdu-mqtt/internal/history"
	"github.com/sweeney/pdu-mqtt/internal/metrics"
	"github.com/sweeney/pdu-mqtt/internal/mqtt"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// staleAfter is how old a device's last snapshot may be before the
// device counts as degraded.
const staleAfter = 30 * time.Second

// CommandCallback executes an outlet command for one device and reports
// success.
type CommandCallback func(outlet int, action string) bool

// Callbacks are the hooks the bridge manager injects so the web layer
// never owns device lifecycle or persistence itself.
type Callbacks struct {
	GetPDUs         func() []*devices.PDUConfig
	AddPDU          func(cfg *devices.PDUConfig) error
	UpdatePDU       func(id string, cfg *devices.PDUConfig) error
	DeletePDU       func(id string) error
	Discover        func() (any, error)
	SetDeviceField  func(deviceID, field, value string) bool
	GetPollInterval func() float64
	SetPollInterval func(seconds float64) error
	GetOutletNames  func(deviceID string) map[string]string
	SetOutletName   func(deviceID string, outlet int, name string) error
}

type deviceState struct {
	snap      *pdu.Snapshot
	updatedAt time.Time
}

// Server is the shared HTTP API. Device registration and live snapshots
// arrive from the pollers; everything else is served from the injected
// collaborators.
type Server struct {
	mu sync.Mutex

	port    int
	mqtt    *mqtt.Handler
	store   *history.Store
	cb      Callbacks
	httpSrv *http.Server

	data       map[string]*deviceState
	engines    map[string]*automation.Engine
	commanders map[string]CommandCallback

	now func() time.Time
}

// NewServer creates the API server. Call RegisterDevice per poller, then
// Start.
func NewServer(port int, mqttHandler *mqtt.Handler, store *history.Store, cb Callbacks) *Server {
	return &Server{
		port:       port,
		mqtt:       mqttHandler,
		store:      store,
		cb:         cb,
		data:       map[string]*deviceState{},
		engines:    map[string]*automation.Engine{},
		commanders: map[string]CommandCallback{},
		now:        time.Now,
	}
}

// RegisterDevice adds a device's rule engine and command callback.
func (s *Server) RegisterDevice(deviceID string, engine *automation.Engine, cmd CommandCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[deviceID] = engine
	s.commanders[deviceID] = cmd
	if _, ok := s.data[deviceID]; !ok {
		s.data[deviceID] = &deviceState{}
	}
}

// UnregisterDevice forgets a device's cache, engine, and callback.
func (s *Server) UnregisterDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, deviceID)
	delete(s.engines, deviceID)
	delete(s.commanders, deviceID)
}

// UpdateData caches a device's latest snapshot.
func (s *Server) UpdateData(deviceID string, snap *pdu.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[deviceID] = &deviceState{snap: snap, updatedAt: s.now()}
}

// deviceIDsLocked returns the registered device ids. Caller holds mu.
func (s *Server) deviceIDsLocked() []string {
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids
}

// resolveDevice picks the target device for a request: the device_id
// query parameter, or the only registered device. Ambiguity (several
// devices, no parameter) and unknown ids return an error the caller
// converts into a 400 with the available_devices list.
func (s *Server) resolveDevice(r *http.Request) (string, []string, error) {
	want := r.URL.Query().Get("device_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.deviceIDsLocked()

	if want != "" {
		if _, ok := s.data[want]; !ok {
			return "", ids, fmt.Errorf("unknown device_id %q", want)
		}
		return want, ids, nil
	}
	if len(ids) == 1 {
		return ids[0], ids, nil
	}
	return "", ids, fmt.Errorf("device_id required when %d devices are registered", len(ids))
}

// Router assembles the chi mux with CORS applied to every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)

	r.Get("/api/pdus", s.handleListPDUs)
	r.Post("/api/pdus", s.handleAddPDU)
	r.Put("/api/pdus/{id}", s.handleUpdatePDU)
	r.Delete("/api/pdus/{id}", s.handleDeletePDU)
	r.Post("/api/pdus/discover", s.handleDiscover)

	r.Get("/api/config", s.handleGetConfig)
	r.Put("/api/config", s.handleUpdateConfig)

	r.Put("/api/device/name", s.handleSetDeviceField("name"))
	r.Put("/api/device/location", s.handleSetDeviceField("location"))

	r.Get("/api/rules", s.handleListRules)
	r.Post("/api/rules", s.handleCreateRule)
	r.Put("/api/rules/{name}", s.handleUpdateRule)
	r.Delete("/api/rules/{name}", s.handleDeleteRule)
	r.Get("/api/events", s.handleEvents)

	r.Post("/api/outlets/{n}/command", s.handleOutletCommand)
	r.Get("/api/outlets/{n}/name", s.handleGetOutletName)
	r.Put("/api/outlets/{n}/name", s.handleSetOutletName)
	r.Get("/api/outlet-names", s.handleOutletNames)

	r.Get("/api/history/banks", s.handleHistoryBanks)
	r.Get("/api/history/outlets", s.handleHistoryOutlets)
	r.Get("/api/history/banks.csv", s.handleHistoryBanksCSV)
	r.Get("/api/history/outlets.csv", s.handleHistoryOutletsCSV)

	r.Get("/api/reports", s.handleListReports)
	r.Get("/api/reports/latest", s.handleLatestReport)
	r.Get("/api/reports/{id}", s.handleGetReport)

	r.Handle("/metrics", metrics.HTTPHandler())

	return r
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}
	go func() {
		log.Printf("web: listening on :%d", s.port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("web: server error: %v", err)
		}
	}()
}

// Stop drains the HTTP server.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("web: shutdown error: %v", err)
	}
}

// SetClock replaces the server's clock. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: failed to write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeDeviceError reports an unresolved device with the available list.
func writeDeviceError(w http.ResponseWriter, err error, available []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":             err.Error(),
		"available_devices": available,
	})
}
