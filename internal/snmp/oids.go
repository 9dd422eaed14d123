// Package snmp implements the PDU transport over SNMP using the vendor
// ePDU and ePDU2 MIBs. OIDs cover the whole product family; outlet and
// bank counts are auto-detected from the device, never hardcoded.
package snmp

import "fmt"

// Vendor ePDU MIB base.
const baseOID = ".1.3.6.1.4.1.3808.1.1.3"

// Device identity (section .1).
const (
	OIDDeviceName  = baseOID + ".1.1.0"
	OIDFwMain      = baseOID + ".1.2.0"
	OIDFwSecondary = baseOID + ".1.3.0"
	OIDSerialNum   = baseOID + ".1.4.0" // numeric serial
	OIDModel       = baseOID + ".1.5.0"
	OIDSerialHW    = baseOID + ".1.6.0" // hardware serial; primary unique ID
	OIDHwRev       = baseOID + ".1.7.0"
	OIDOutletCount = baseOID + ".1.8.0"
	OIDPhaseCount  = baseOID + ".1.9.0"
	OIDMaxCurrent  = baseOID + ".1.15.0" // tenths of amps
)

// Input bus (NOT per-source on ATS models).
const (
	OIDInputVoltage   = baseOID + ".5.7.0" // tenths of volts
	OIDInputFrequency = baseOID + ".5.8.0" // tenths of Hz
)

// Transfer switch (ATS).
const (
	OIDATSPreferredSource = baseOID + ".4.1.1.0" // 1=A, 2=B
	OIDATSCurrentSource   = baseOID + ".4.1.2.0"
	OIDATSAutoTransfer    = baseOID + ".4.1.3.0" // 1=enabled, 2=disabled
)

// ePDU2 per-input source status table.
const (
	epdu2SourceEntry   = ".1.3.6.1.4.1.3808.1.1.6.9.4.1"
	OIDSourceAVoltage  = epdu2SourceEntry + ".5.1" // tenths of volts
	OIDSourceBVoltage  = epdu2SourceEntry + ".6.1"
	OIDSourceAFreq     = epdu2SourceEntry + ".7.1" // tenths of Hz
	OIDSourceBFreq     = epdu2SourceEntry + ".8.1"
	OIDSourceAStatus   = epdu2SourceEntry + ".9.1" // 1=normal, 2=over, 3=under
	OIDSourceBStatus   = epdu2SourceEntry + ".10.1"
	OIDSourceRedundant = epdu2SourceEntry + ".16.1" // 1=lost, 2=redundant
)

// Power distribution config.
const OIDNumBankTableEntries = baseOID + ".2.1.2.0"

// Standard MIB-II.
const (
	OIDSysDescr    = ".1.3.6.1.2.1.1.1.0"
	OIDSysUptime   = ".1.3.6.1.2.1.1.3.0"
	OIDSysContact  = ".1.3.6.1.2.1.1.4.0"
	OIDSysName     = ".1.3.6.1.2.1.1.5.0"
	OIDSysLocation = ".1.3.6.1.2.1.1.6.0"
)

// Per-outlet OIDs.

func oidOutletName(n int) string    { return fmt.Sprintf("%s.3.3.1.1.2.%d", baseOID, n) }
func oidOutletCommand(n int) string { return fmt.Sprintf("%s.3.3.1.1.4.%d", baseOID, n) }
func oidOutletState(n int) string   { return fmt.Sprintf("%s.3.5.1.1.4.%d", baseOID, n) }
func oidOutletCurrent(n int) string { return fmt.Sprintf("%s.3.5.1.1.5.%d", baseOID, n) }
func oidOutletPower(n int) string   { return fmt.Sprintf("%s.3.5.1.1.6.%d", baseOID, n) }
func oidOutletEnergy(n int) string  { return fmt.Sprintf("%s.3.5.1.1.7.%d", baseOID, n) }

// Which bank outlet n belongs to, and its max-load rating (tenths of amps).
func oidOutletBankAssignment(n int) string { return fmt.Sprintf("%s.2.1.8.1.2.%d", baseOID, n) }
func oidOutletMaxLoad(n int) string        { return fmt.Sprintf("%s.2.1.8.1.3.%d", baseOID, n) }

// Per-bank OIDs.

func oidBankCurrent(i int) string   { return fmt.Sprintf("%s.2.3.1.1.2.%d", baseOID, i) }
func oidBankLoadState(i int) string { return fmt.Sprintf("%s.2.3.1.1.3.%d", baseOID, i) }
func oidBankVoltage(i int) string   { return fmt.Sprintf("%s.2.3.1.1.6.%d", baseOID, i) }
func oidBankActivePower(i int) string   { return fmt.Sprintf("%s.2.3.1.1.7.%d", baseOID, i) }
func oidBankApparentPower(i int) string { return fmt.Sprintf("%s.2.3.1.1.8.%d", baseOID, i) }
func oidBankPowerFactor(i int) string   { return fmt.Sprintf("%s.2.3.1.1.9.%d", baseOID, i) }
func oidBankEnergy(i int) string        { return fmt.Sprintf("%s.2.3.1.1.10.%d", baseOID, i) }
func oidBankTimestamp(i int) string     { return fmt.Sprintf("%s.2.3.1.1.11.%d", baseOID, i) }

// Outlet command values for the command OID.
const (
	cmdOn     = 1
	cmdOff    = 2
	cmdReboot = 3
)

var outletStateNames = map[int]string{
	1: "on",
	2: "off",
}
