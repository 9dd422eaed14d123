package pdu

import (
	"sync"
	"time"
)

// Transport abstracts PDU access so the poller works identically against
// SNMP hardware and the in-process mock. Implementations never panic on
// device failure: errors are returned, counted into the consecutive
// failure counter, and recorded as a last-error string. A successful
// operation zeroes the counter.
//
// Transports serialize their own operations; the poller goroutine and the
// command dispatcher may call into the same transport concurrently.
type Transport interface {
	// Connect establishes the connection. Idempotent; a no-op for
	// connectionless transports.
	Connect() error

	// Identity queries device identity. Called once at startup.
	Identity() (*Identity, error)

	// DiscoverNumBanks detects the bank count, falling back to a
	// configured default when the device does not report it. Always >= 1.
	DiscoverNumBanks() (int, error)

	// QueryStartupData fetches per-outlet bank assignments and max-load
	// ratings. Either map may be empty.
	QueryStartupData(outletCount int) (map[int]int, map[int]float64, error)

	// Poll returns one snapshot.
	Poll() (*Snapshot, error)

	// CommandOutlet executes an outlet action. Returns false on failure
	// or when the transport does not support the action.
	CommandOutlet(outlet int, action string) bool

	// SetDeviceField writes a device-level field (name, location).
	SetDeviceField(field, value string) bool

	// ConsecutiveFailures reports the current failure streak.
	ConsecutiveFailures() int

	// ResetHealth zeroes the failure counters.
	ResetHealth()

	// Health returns transport health metrics for the status API.
	Health() map[string]any

	// UpdateTarget repoints the transport at a new host (and port, if
	// non-zero). Used after DHCP recovery.
	UpdateTarget(host string, port int)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// HealthTracker implements the failure-counting contract shared by all
// transports. Embed it and call Success/Failure around device operations.
type HealthTracker struct {
	mu           sync.Mutex
	consecutive  int
	totalErrors  int
	totalOps     int
	lastError    string
	lastSuccess  time.Time
	lastErrorAt  time.Time
}

// Success records a successful device operation, zeroing the streak.
func (h *HealthTracker) Success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalOps++
	h.consecutive = 0
	h.lastSuccess = time.Now()
}

// Failure records a failed device operation.
func (h *HealthTracker) Failure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalOps++
	h.totalErrors++
	h.consecutive++
	if err != nil {
		h.lastError = err.Error()
	}
	h.lastErrorAt = time.Now()
}

// ConsecutiveFailures returns the current failure streak.
func (h *HealthTracker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}

// ResetHealth zeroes the failure counters.
func (h *HealthTracker) ResetHealth() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.lastError = ""
}

// Health returns the tracker's counters as a map for the status API.
func (h *HealthTracker) Health() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := map[string]any{
		"consecutive_failures": h.consecutive,
		"total_errors":         h.totalErrors,
		"total_operations":     h.totalOps,
		"last_error":           h.lastError,
	}
	if !h.lastSuccess.IsZero() {
		m["last_success"] = h.lastSuccess.Unix()
	}
	if !h.lastErrorAt.IsZero() {
		m["last_error_at"] = h.lastErrorAt.Unix()
	}
	return m
}
