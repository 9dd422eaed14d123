package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/pdu-mqtt/internal/automation"
	"github.com/sweeney/pdu-mqtt/internal/devices"
	"github.com/sweeney/pdu-mqtt/internal/history"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// Time range presets for history queries.
var rangePresets = map[string]float64{
	"1h":  3600,
	"6h":  6 * 3600,
	"24h": 24 * 3600,
	"7d":  7 * 86400,
	"30d": 30 * 86400,
}

// maxRangeSeconds clamps explicit start/end history queries.
const maxRangeSeconds = 90 * 86400

// --- Health & status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var issues []string

	s.mu.Lock()
	now := s.now()
	for id, st := range s.data {
		switch {
		case st.snap == nil:
			issues = append(issues, fmt.Sprintf("%s: no data", id))
		case now.Sub(st.updatedAt) > staleAfter:
			issues = append(issues, fmt.Sprintf("%s: data stale (%.0fs)", id, now.Sub(st.updatedAt).Seconds()))
		}
	}
	s.mu.Unlock()

	if s.mqtt != nil && !s.mqtt.Connected() {
		issues = append(issues, "mqtt: not connected")
	}
	if s.store != nil {
		if healthy, ok := s.store.Health()["healthy"].(bool); ok && !healthy {
			issues = append(issues, "history: unhealthy")
		}
	}

	if len(issues) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"issues": issues,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return
	}

	s.mu.Lock()
	st := s.data[deviceID]
	var snap *pdu.Snapshot
	var age *float64
	if st != nil && st.snap != nil {
		snap = st.snap
		a := s.now().Sub(st.updatedAt).Seconds()
		age = &a
	}
	s.mu.Unlock()

	resp := map[string]any{
		"device_id":        deviceID,
		"data":             snap,
		"data_age_seconds": age,
	}
	if s.mqtt != nil {
		resp["mqtt"] = s.mqtt.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- PDU management ---

func (s *Server) handleListPDUs(w http.ResponseWriter, r *http.Request) {
	if s.cb.GetPDUs == nil {
		writeError(w, http.StatusServiceUnavailable, "pdu management unavailable")
		return
	}

	s.mu.Lock()
	now := s.now()
	states := map[string]string{}
	for id, st := range s.data {
		switch {
		case st.snap == nil:
			states[id] = "no_data"
		case now.Sub(st.updatedAt) > staleAfter:
			states[id] = "degraded"
		default:
			states[id] = "healthy"
		}
	}
	s.mu.Unlock()

	type pduEntry struct {
		*devices.PDUConfig
		Status string `json:"status"`
	}
	list := []pduEntry{}
	for _, cfg := range s.cb.GetPDUs() {
		status, ok := states[cfg.DeviceID]
		if !ok {
			status = "no_data"
		}
		list = append(list, pduEntry{PDUConfig: cfg, Status: status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdus": list})
}

func (s *Server) handleAddPDU(w http.ResponseWriter, r *http.Request) {
	if s.cb.AddPDU == nil {
		writeError(w, http.StatusServiceUnavailable, "pdu management unavailable")
		return
	}
	var cfg devices.PDUConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.cb.AddPDU(&cfg); err != nil {
		if errors.Is(err, devices.ErrDuplicate) {
			writeError(w, http.StatusConflict, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, &cfg)
}

// pduPatch updates only the fields present in the request body.
type pduPatch struct {
	Host           *string `json:"host"`
	SNMPPort       *int    `json:"snmp_port"`
	CommunityRead  *string `json:"community_read"`
	CommunityWrite *string `json:"community_write"`
	Label          *string `json:"label"`
	Enabled        *bool   `json:"enabled"`
	NumBanks       *int    `json:"num_banks"`
	RecoverySubnet *string `json:"recovery_subnet"`
}

func (s *Server) handleUpdatePDU(w http.ResponseWriter, r *http.Request) {
	if s.cb.GetPDUs == nil || s.cb.UpdatePDU == nil {
		writeError(w, http.StatusServiceUnavailable, "pdu management unavailable")
		return
	}
	id := chi.URLParam(r, "id")

	var current *devices.PDUConfig
	for _, cfg := range s.cb.GetPDUs() {
		if cfg.DeviceID == id {
			copied := *cfg
			current = &copied
			break
		}
	}
	if current == nil {
		writeError(w, http.StatusNotFound, "unknown pdu %q", id)
		return
	}

	var patch pduPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if patch.Host != nil {
		current.Host = *patch.Host
	}
	if patch.SNMPPort != nil {
		current.SNMPPort = *patch.SNMPPort
	}
	if patch.CommunityRead != nil {
		current.CommunityRead = *patch.CommunityRead
	}
	if patch.CommunityWrite != nil {
		current.CommunityWrite = *patch.CommunityWrite
	}
	if patch.Label != nil {
		current.Label = *patch.Label
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.NumBanks != nil {
		current.NumBanks = *patch.NumBanks
	}
	if patch.RecoverySubnet != nil {
		current.RecoverySubnet = *patch.RecoverySubnet
	}
	if err := current.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.cb.UpdatePDU(id, current); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleDeletePDU(w http.ResponseWriter, r *http.Request) {
	if s.cb.DeletePDU == nil {
		writeError(w, http.StatusServiceUnavailable, "pdu management unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.cb.DeletePDU(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.cb.Discover == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery unavailable")
		return
	}
	result, err := s.cb.Discover()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discovery failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discovered": result})
}

// --- Runtime config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.cb.GetPollInterval != nil {
		resp["poll_interval"] = s.cb.GetPollInterval()
	}
	if s.store != nil {
		resp["retention_days"] = s.store.RetentionDays()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PollInterval *float64 `json:"poll_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.PollInterval == nil {
		writeError(w, http.StatusBadRequest, "poll_interval is required")
		return
	}
	if *body.PollInterval < 1 {
		writeError(w, http.StatusBadRequest, "poll_interval must be >= 1 second")
		return
	}
	if s.cb.SetPollInterval == nil {
		writeError(w, http.StatusServiceUnavailable, "config updates unavailable")
		return
	}
	if err := s.cb.SetPollInterval(*body.PollInterval); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"poll_interval": *body.PollInterval})
}

// --- Device fields ---

func (s *Server) handleSetDeviceField(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, available, err := s.resolveDevice(r)
		if err != nil {
			writeDeviceError(w, err, available)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: %v", err)
			return
		}
		value, ok := body[field]
		if !ok || value == "" {
			writeError(w, http.StatusBadRequest, "%s is required", field)
			return
		}
		if s.cb.SetDeviceField == nil {
			writeError(w, http.StatusServiceUnavailable, "device field updates unavailable")
			return
		}
		if !s.cb.SetDeviceField(deviceID, field, value) {
			writeError(w, http.StatusServiceUnavailable, "failed to set device %s", field)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{field: value})
	}
}

// --- Rules ---

func (s *Server) resolveEngine(w http.ResponseWriter, r *http.Request) (*automation.Engine, string, bool) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return nil, "", false
	}
	s.mu.Lock()
	engine := s.engines[deviceID]
	s.mu.Unlock()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "no rule engine for %s", deviceID)
		return nil, "", false
	}
	return engine, deviceID, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.resolveEngine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": engine.ListRules()})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.resolveEngine(w, r)
	if !ok {
		return
	}
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	created, err := engine.CreateRule(rule)
	if err != nil {
		if errors.Is(err, automation.ErrExists) {
			writeError(w, http.StatusConflict, "%v", err)
			return
		}
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.resolveEngine(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	updated, err := engine.UpdateRule(name, rule)
	if err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.resolveEngine(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := engine.DeleteRule(name); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	engine, _, ok := s.resolveEngine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": engine.Events()})
}

// --- Outlet commands & names ---

func (s *Server) handleOutletCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "invalid outlet number")
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	switch body.Action {
	case pdu.ActionOn, pdu.ActionOff, pdu.ActionReboot:
	default:
		writeError(w, http.StatusBadRequest, "invalid action %q", body.Action)
		return
	}

	s.mu.Lock()
	cmd := s.commanders[deviceID]
	s.mu.Unlock()
	if cmd == nil {
		writeError(w, http.StatusServiceUnavailable, "no command path for %s", deviceID)
		return
	}

	success := cmd(outlet, body.Action)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": success,
		"outlet":  outlet,
		"action":  body.Action,
	})
}

func (s *Server) handleGetOutletName(w http.ResponseWriter, r *http.Request) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "invalid outlet number")
		return
	}
	name := ""
	if s.cb.GetOutletNames != nil {
		name = s.cb.GetOutletNames(deviceID)[strconv.Itoa(outlet)]
	}
	writeJSON(w, http.StatusOK, map[string]any{"outlet": outlet, "name": name})
}

func (s *Server) handleSetOutletName(w http.ResponseWriter, r *http.Request) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "invalid outlet number")
		return
	}
	// An empty body (or empty name) deletes the override.
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if s.cb.SetOutletName == nil {
		writeError(w, http.StatusServiceUnavailable, "outlet names unavailable")
		return
	}
	if err := s.cb.SetOutletName(deviceID, outlet, body.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outlet": outlet, "name": body.Name})
}

func (s *Server) handleOutletNames(w http.ResponseWriter, r *http.Request) {
	deviceID, available, err := s.resolveDevice(r)
	if err != nil {
		writeDeviceError(w, err, available)
		return
	}
	names := map[string]string{}
	if s.cb.GetOutletNames != nil {
		if got := s.cb.GetOutletNames(deviceID); got != nil {
			names = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

// --- History ---

// parseTimeRange reads either range=<preset> or explicit start/end Unix
// seconds (clamped to 90 days).
func (s *Server) parseTimeRange(r *http.Request) (float64, float64) {
	q := r.URL.Query()
	if startStr, endStr := q.Get("start"), q.Get("end"); startStr != "" && endStr != "" {
		start, err1 := strconv.ParseFloat(startStr, 64)
		end, err2 := strconv.ParseFloat(endStr, 64)
		if err1 == nil && err2 == nil && end > start {
			if end-start > maxRangeSeconds {
				start = end - maxRangeSeconds
			}
			return start, end
		}
	}
	seconds, ok := rangePresets[q.Get("range")]
	if !ok {
		seconds = rangePresets["1h"]
	}
	end := float64(s.now().Unix())
	return end - seconds, end
}

func parseInterval(r *http.Request) int {
	if v := r.URL.Query().Get("interval"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func (s *Server) handleHistoryBanks(w http.ResponseWriter, r *http.Request) {
	start, end := s.parseTimeRange(r)
	rows, err := s.store.QueryBanks(start, end, parseInterval(r), r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "history query failed: %v", err)
		return
	}
	if rows == nil {
		rows = []history.BankRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "samples": rows})
}

func (s *Server) handleHistoryOutlets(w http.ResponseWriter, r *http.Request) {
	start, end := s.parseTimeRange(r)
	rows, err := s.store.QueryOutlets(start, end, parseInterval(r), r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "history query failed: %v", err)
		return
	}
	if rows == nil {
		rows = []history.OutletRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "samples": rows})
}

func (s *Server) handleHistoryBanksCSV(w http.ResponseWriter, r *http.Request) {
	start, end := s.parseTimeRange(r)
	rows, err := s.store.QueryBanks(start, end, parseInterval(r), r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "history query failed: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="bank_history.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"bucket", "bank", "voltage", "current", "power", "apparent", "pf"}) //nolint:errcheck
	for _, row := range rows {
		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(row.Bucket, 10),
			strconv.Itoa(row.Bank),
			csvFloat(row.Voltage),
			csvFloat(row.Current),
			csvFloat(row.Power),
			csvFloat(row.Apparent),
			csvFloat(row.PF),
		})
	}
	cw.Flush()
}

func (s *Server) handleHistoryOutletsCSV(w http.ResponseWriter, r *http.Request) {
	start, end := s.parseTimeRange(r)
	rows, err := s.store.QueryOutlets(start, end, parseInterval(r), r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "history query failed: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="outlet_history.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"bucket", "outlet", "current", "power", "energy"}) //nolint:errcheck
	for _, row := range rows {
		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(row.Bucket, 10),
			strconv.Itoa(row.Outlet),
			csvFloat(row.Current),
			csvFloat(row.Power),
			csvFloat(row.Energy),
		})
	}
	cw.Flush()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// --- Reports ---

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports(r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report listing failed: %v", err)
		return
	}
	if reports == nil {
		reports = []history.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	report, err := s.store.GetReport(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report fetch failed: %v", err)
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "unknown report %d", id)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.LatestReport()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report fetch failed: %v", err)
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no reports generated yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
