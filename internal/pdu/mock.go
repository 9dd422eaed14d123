package pdu

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockPDU simulates an ATS PDU without hardware: slow sinusoidal mains
// drift, ATS transfer when the active input fails, outlet reboot timers,
// and the same idle-outlet metering floors the real device exhibits.
// Outlet and bank counts are configurable to mimic different models in
// the product family.
type MockPDU struct {
	mu sync.Mutex
	HealthTracker

	numOutlets   int
	numBanks     int
	outletStates map[int]string
	outletNames  map[int]string
	rebootUntil  map[int]time.Time
	failedInputs map[int]bool
	activeInput  int
	start        time.Time
	ident        Identity
}

// NewMockPDU creates a simulator with the given outlet and bank counts.
// Counts below 1 fall back to 10 outlets / 2 banks.
func NewMockPDU(numOutlets, numBanks int) *MockPDU {
	if numOutlets < 1 {
		numOutlets = 10
	}
	if numBanks < 1 {
		numBanks = 2
	}
	m := &MockPDU{
		numOutlets:   numOutlets,
		numBanks:     numBanks,
		outletStates: make(map[int]string, numOutlets),
		outletNames:  make(map[int]string, numOutlets),
		rebootUntil:  make(map[int]time.Time),
		failedInputs: make(map[int]bool),
		activeInput:  1,
		start:        time.Now(),
	}
	for n := 1; n <= numOutlets; n++ {
		m.outletStates[n] = StateOn
		m.outletNames[n] = fmt.Sprintf("Outlet %d", n)
	}
	m.ident = Identity{
		Serial:         fmt.Sprintf("MOCK%06d", rand.Intn(900000)+100000),
		SerialNumeric:  fmt.Sprintf("%06d", rand.Intn(900000)+100000),
		Model:          "PDU44001",
		Name:           "CyberPower PDU44001 (Mock)",
		FirmwareMain:   "1.2",
		HardwareRev:    12,
		MaxCurrent:     12.0,
		OutletCount:    numOutlets,
		PhaseCount:     1,
		SysDescription: "CyberPower PDU44001 Switched ATS PDU",
	}
	return m
}

// Connect is a no-op; the mock is always reachable.
func (m *MockPDU) Connect() error { return nil }

// Identity returns the simulated identity.
func (m *MockPDU) Identity() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Success()
	ident := m.ident
	return &ident, nil
}

// DiscoverNumBanks returns the configured bank count.
func (m *MockPDU) DiscoverNumBanks() (int, error) { return m.numBanks, nil }

// QueryStartupData assigns outlets round-robin across banks with a flat
// 12A max load, matching the PDU44001's wiring.
func (m *MockPDU) QueryStartupData(outletCount int) (map[int]int, map[int]float64, error) {
	assigns := make(map[int]int, outletCount)
	maxLoads := make(map[int]float64, outletCount)
	for n := 1; n <= outletCount; n++ {
		assigns[n] = ((n - 1) % m.numBanks) + 1
		maxLoads[n] = 12.0
	}
	return assigns, maxLoads, nil
}

// FailInput simulates loss of the given input (1-based). The ATS
// transfers to the first surviving input on the next poll.
func (m *MockPDU) FailInput(input int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedInputs[input] = true
}

// RestoreInput clears a simulated input failure.
func (m *MockPDU) RestoreInput(input int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failedInputs, input)
}

// Poll returns the next simulated snapshot.
func (m *MockPDU) Poll() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.start).Seconds()
	m.ident.SysUptime = int64(elapsed * 100)

	// Finish pending reboots.
	for n, until := range m.rebootUntil {
		if !now.Before(until) {
			m.outletStates[n] = StateOn
			delete(m.rebootUntil, n)
		}
	}

	// Utility mains drift.
	baseVoltage := 120.0 + 2.0*math.Sin(elapsed/60.0)
	frequency := 60.0 + 0.02*math.Sin(elapsed/30.0)

	inputVoltages := make(map[int]float64, m.numBanks)
	for i := 1; i <= m.numBanks; i++ {
		if m.failedInputs[i] {
			inputVoltages[i] = 0.0
		} else {
			inputVoltages[i] = baseVoltage + rand.Float64()*0.6 - 0.3
		}
	}

	// ATS: transfer away from a failed active input.
	if m.failedInputs[m.activeInput] {
		for other := 1; other <= m.numBanks; other++ {
			if other != m.activeInput && !m.failedInputs[other] {
				m.activeInput = other
				break
			}
		}
	}

	outlets := make(map[int]*Outlet, m.numOutlets)
	onCount := 0
	for n := 1; n <= m.numOutlets; n++ {
		state := m.outletStates[n]
		if state == StateOn {
			onCount++
		}
		bank := ((n - 1) % m.numBanks) + 1
		var current, power float64
		if state == StateOn {
			current = 0.25 + 0.05*math.Sin(elapsed/45.0+float64(n))
			power = current * baseVoltage
		}
		outlets[n] = &Outlet{
			Number:         n,
			Name:           m.outletNames[n],
			State:          state,
			Current:        Float(round1(current)),
			Power:          Float(math.Round(power)),
			Energy:         Float(round1(elapsed / 3600.0 * power / 1000.0)),
			BankAssignment: Int(bank),
			MaxLoad:        Float(12.0),
		}
	}

	banks := make(map[int]*Bank, m.numBanks)
	for i := 1; i <= m.numBanks; i++ {
		active := i == m.activeInput
		var bankCurrent float64
		if active {
			bankCurrent = float64(onCount)*0.25 + rand.Float64()*0.01
		}
		voltage := inputVoltages[i]
		power := bankCurrent * voltage
		banks[i] = &Bank{
			Number:        i,
			Voltage:       Float(round1(voltage)),
			Current:       Float(round1(bankCurrent)),
			Power:         Float(math.Round(power)),
			ApparentPower: Float(math.Round(power / 0.95)),
			PowerFactor:   Float(0.95),
			LoadState:     "normal",
		}
	}

	preferred := 1
	current := m.activeInput
	sourceA := &Source{
		Voltage:       Float(round1(inputVoltages[1])),
		Frequency:     Float(round1(frequency)),
		VoltageStatus: sourceStatus(inputVoltages[1]),
	}
	var sourceB *Source
	if m.numBanks >= 2 {
		sourceB = &Source{
			Voltage:       Float(round1(inputVoltages[2])),
			Frequency:     Float(round1(frequency)),
			VoltageStatus: sourceStatus(inputVoltages[2]),
		}
	}

	m.Success()
	ident := m.ident
	return &Snapshot{
		DeviceName:         m.ident.Name,
		OutletCount:        m.numOutlets,
		PhaseCount:         1,
		InputVoltage:       Float(round1(inputVoltages[current])),
		InputFrequency:     Float(round1(frequency)),
		Outlets:            outlets,
		Banks:              banks,
		ATSPreferredSource: Int(preferred),
		ATSCurrentSource:   Int(current),
		ATSAutoTransfer:    true,
		SourceA:            sourceA,
		SourceB:            sourceB,
		RedundancyOK:       Bool(len(m.failedInputs) == 0),
		Identity:           &ident,
	}, nil
}

// CommandOutlet switches, or reboots (5 s off), the given outlet.
func (m *MockPDU) CommandOutlet(outlet int, action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outlet < 1 || outlet > m.numOutlets {
		return false
	}
	switch action {
	case ActionOn:
		m.outletStates[outlet] = StateOn
	case ActionOff:
		m.outletStates[outlet] = StateOff
	case ActionReboot:
		m.outletStates[outlet] = StateOff
		m.rebootUntil[outlet] = time.Now().Add(5 * time.Second)
	default:
		return false
	}
	return true
}

// SetDeviceField updates the simulated device name or location.
func (m *MockPDU) SetDeviceField(field, value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch field {
	case "name":
		m.ident.Name = value
	case "location":
		m.ident.SysLocation = value
	default:
		return false
	}
	return true
}

// UpdateTarget is a no-op; the mock has no network target.
func (m *MockPDU) UpdateTarget(string, int) {}

// Close is a no-op.
func (m *MockPDU) Close() error { return nil }

func sourceStatus(voltage float64) string {
	switch {
	case voltage < 90:
		return "underVoltage"
	case voltage > 140:
		return "overVoltage"
	default:
		return "normal"
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
