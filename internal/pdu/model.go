// Package pdu defines the data model for polled PDU snapshots and the
// Transport interface that SNMP and mock back-ends implement.
package pdu

// Outlet states reported by the device.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateUnknown = "unknown"
)

// Outlet commands accepted by Transport.CommandOutlet. Which commands a
// transport supports is the transport's decision; unsupported commands
// return false.
const (
	ActionOn       = "on"
	ActionOff      = "off"
	ActionReboot   = "reboot"
	ActionDelayOn  = "delayon"
	ActionDelayOff = "delayoff"
	ActionCancel   = "cancel"
)

// BankLoadStates maps the device's integer load-state codes to strings.
var BankLoadStates = map[int]string{
	1: "normal",
	2: "low",
	3: "nearOverload",
	4: "overload",
}

// SourceVoltageStatuses maps the per-input voltage status codes.
var SourceVoltageStatuses = map[int]string{
	1: "normal",
	2: "overVoltage",
	3: "underVoltage",
}

// Identity is the immutable per-device metadata queried once at startup.
// Serial is the primary unique key across the product family.
type Identity struct {
	Serial            string  `json:"serial"`
	SerialNumeric     string  `json:"serial_numeric,omitempty"`
	Model             string  `json:"model"`
	Name              string  `json:"name"`
	FirmwareMain      string  `json:"firmware_main,omitempty"`
	FirmwareSecondary string  `json:"firmware_secondary,omitempty"`
	HardwareRev       int     `json:"hardware_rev,omitempty"`
	MaxCurrent        float64 `json:"max_current,omitempty"`
	OutletCount       int     `json:"outlet_count"`
	PhaseCount        int     `json:"phase_count"`
	MACAddress        string  `json:"mac_address,omitempty"`
	SysDescription    string  `json:"sys_description,omitempty"`
	SysUptime         int64   `json:"sys_uptime,omitempty"` // hundredths of seconds
	SysName           string  `json:"sys_name,omitempty"`
	SysLocation       string  `json:"sys_location,omitempty"`
	SysContact        string  `json:"sys_contact,omitempty"`
}

// Outlet is one outlet's metering and state within a snapshot.
// Nil pointers mean the device did not report the value.
type Outlet struct {
	Number         int      `json:"number"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	Current        *float64 `json:"current,omitempty"` // amps
	Power          *float64 `json:"power,omitempty"`   // watts
	Energy         *float64 `json:"energy,omitempty"`  // kWh
	BankAssignment *int     `json:"bank_assignment,omitempty"`
	MaxLoad        *float64 `json:"max_load,omitempty"` // amps
}

// Bank is one output bank's metering within a snapshot.
type Bank struct {
	Number        int      `json:"number"`
	Voltage       *float64 `json:"voltage,omitempty"`
	Current       *float64 `json:"current,omitempty"`
	Power         *float64 `json:"power,omitempty"`          // active watts
	ApparentPower *float64 `json:"apparent_power,omitempty"` // VA
	PowerFactor   *float64 `json:"power_factor,omitempty"`   // 0-1
	LoadState     string   `json:"load_state"`
	Energy        *float64 `json:"energy,omitempty"` // kWh, if supported
	LastUpdate    string   `json:"last_update,omitempty"`
}

// Source is the per-input voltage data from the ATS source table. On ATS
// models this is the only view of real input health: the output bank
// voltage keeps reading ~120V even when one input has failed.
type Source struct {
	Voltage          *float64 `json:"voltage,omitempty"`
	Frequency        *float64 `json:"frequency,omitempty"`
	VoltageStatus    string   `json:"voltage_status"`
	VoltageStatusRaw *int     `json:"voltage_status_raw,omitempty"`
}

// Environment is the optional temperature/humidity/contact sensor block.
type Environment struct {
	Temperature   *float64     `json:"temperature,omitempty"`
	Unit          string       `json:"unit,omitempty"` // "C" or "F"
	Humidity      *float64     `json:"humidity,omitempty"`
	Contacts      map[int]bool `json:"contacts,omitempty"` // 1..4
	SensorPresent bool         `json:"sensor_present"`
}

// Snapshot is the complete result of one Transport.Poll call. Snapshots
// are immutable once produced; the poller hands the same value to every
// subsystem.
type Snapshot struct {
	DeviceName     string          `json:"device_name"`
	OutletCount    int             `json:"outlet_count"`
	PhaseCount     int             `json:"phase_count"`
	InputVoltage   *float64        `json:"input_voltage,omitempty"`
	InputFrequency *float64        `json:"input_frequency,omitempty"`
	Outlets        map[int]*Outlet `json:"outlets"`
	Banks          map[int]*Bank   `json:"banks"`

	// ATS fields; nil on non-ATS models.
	ATSPreferredSource *int    `json:"ats_preferred_source,omitempty"` // 1=A, 2=B
	ATSCurrentSource   *int    `json:"ats_current_source,omitempty"`   // 1=A, 2=B
	ATSAutoTransfer    bool    `json:"ats_auto_transfer"`
	SourceA            *Source `json:"source_a,omitempty"`
	SourceB            *Source `json:"source_b,omitempty"`
	RedundancyOK       *bool   `json:"redundancy_ok,omitempty"`

	Identity    *Identity    `json:"identity,omitempty"`
	Environment *Environment `json:"environment,omitempty"`

	// SysUptime is re-read on every poll (hundredths of seconds); a value
	// lower than the previous poll's means the device rebooted.
	SysUptime int64 `json:"sys_uptime,omitempty"`
}

// Float returns a pointer to v. Convenience for building snapshots.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
