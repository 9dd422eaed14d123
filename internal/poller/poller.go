// Package poller drives one PDU: startup discovery, the poll loop with
// per-subsystem fan-out isolation, the health state machine, and
// DHCP-recovery scanning by hardware serial.
package poller

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/automation"
	"github.com/sweeney/pdu-mqtt/internal/devices"
	"github.com/sweeney/pdu-mqtt/internal/history"
	"github.com/sweeney/pdu-mqtt/internal/metrics"
	"github.com/sweeney/pdu-mqtt/internal/mqtt"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
	"github.com/sweeney/pdu-mqtt/internal/web"
)

// Interval between recovery scans while LOST, and the poll interval used
// in that state.
const (
	lostScanEvery     = 300 * time.Second
	lostPollInterval  = 30 * time.Second
	mismatchIdleSleep = 10 * time.Second
)

// FindResult is a successful serial lookup during recovery.
type FindResult struct {
	Host   string
	Serial string
}

// FinderFunc locates a PDU by hardware serial on a subnet. nil result
// with nil error means not found.
type FinderFunc func(serial, subnet, community string, port int) (*FindResult, error)

// Config wires one poller to its device and the shared services.
type Config struct {
	Device    *devices.PDUConfig
	Transport pdu.Transport
	MQTT      *mqtt.Handler
	History   *history.Store
	Web       *web.Server
	RulesPath string
	NamesPath string

	// PollInterval reads the runtime-mutable poll interval.
	PollInterval func() time.Duration

	// RecoveryEnabled gates the serial recovery scans.
	RecoveryEnabled bool

	// FindBySerial is the recovery scanner; nil disables scanning.
	FindBySerial FinderFunc

	// PersistConfigs saves the whole PDU config list after the serial or
	// host fields change.
	PersistConfigs func() error
}

// Poller runs the poll loop for a single PDU. Shared services (MQTT,
// history, web) are passed in; the transport and rule engine are owned.
type Poller struct {
	cfg       Config
	deviceID  string
	transport pdu.Transport
	engine    *automation.Engine
	namesPath string

	mu    sync.Mutex
	names map[string]string

	state          State
	serialMismatch bool
	identity       *pdu.Identity
	outletCount    int
	numBanks       int

	lastSysUptime    int64
	haveSysUptime    bool
	pollCount        int
	pollErrors       int
	lastPollDuration time.Duration
	lastSuccess      time.Time
	subsystemErrors  map[string]int

	recoveryScans    int
	lastRecoveryScan time.Time

	stop    chan struct{}
	done    chan struct{}
	started bool
	now     func() time.Time
}

// New creates a poller and its rule engine. Call Run to start polling.
func New(cfg Config) *Poller {
	p := &Poller{
		cfg:             cfg,
		deviceID:        cfg.Device.DeviceID,
		transport:       cfg.Transport,
		namesPath:       cfg.NamesPath,
		names:           map[string]string{},
		numBanks:        cfg.Device.NumBanks,
		subsystemErrors: map[string]int{"mqtt": 0, "history": 0, "automation": 0},
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		now:             time.Now,
	}
	p.loadNames()
	p.engine = automation.NewEngine(cfg.RulesPath, func(outlet int, action string) error {
		if !p.HandleCommand(outlet, action) {
			return fmt.Errorf("command outlet %d %s failed", outlet, action)
		}
		return nil
	})
	return p
}

// DeviceID returns the poller's device id.
func (p *Poller) DeviceID() string { return p.deviceID }

// Engine returns the device's rule engine.
func (p *Poller) Engine() *automation.Engine { return p.engine }

// State returns the current health state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SerialMismatch reports whether the poller is latched idle on a serial
// mismatch.
func (p *Poller) SerialMismatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serialMismatch
}

// HandleCommand executes an outlet command on the transport and
// publishes the command response. Used by the rule engine, the MQTT
// router, and the web API.
func (p *Poller) HandleCommand(outlet int, action string) bool {
	switch action {
	case pdu.ActionOn, pdu.ActionOff, pdu.ActionReboot,
		pdu.ActionDelayOn, pdu.ActionDelayOff, pdu.ActionCancel:
	default:
		if p.cfg.MQTT != nil {
			p.cfg.MQTT.PublishCommandResponse(p.deviceID, outlet, action, false,
				fmt.Sprintf("unknown command: %s", action))
		}
		return false
	}

	success := p.transport.CommandOutlet(outlet, action)
	errMsg := ""
	if !success {
		errMsg = "command rejected by transport"
	}
	if p.cfg.MQTT != nil {
		p.cfg.MQTT.PublishCommandResponse(p.deviceID, outlet, action, success, errMsg)
	}
	outcome := "OK"
	if !success {
		outcome = "FAILED"
	}
	log.Printf("[%s] command outlet %d %s -> %s", p.deviceID, outlet, action, outcome)
	return success
}

// UpdateTargetForConfigChange repoints the transport after an operator
// edits the device address, resetting health so the FSM starts fresh at
// the new target.
func (p *Poller) UpdateTargetForConfigChange(host string, port int) {
	p.transport.UpdateTarget(host, port)
	p.transport.ResetHealth()
}

// SetDeviceField writes a device-level field through the transport.
func (p *Poller) SetDeviceField(field, value string) bool {
	return p.transport.SetDeviceField(field, value)
}

// Startup discovers identity and static device data, and requests the
// MQTT discovery emission. A serial mismatch latches the poller; Run
// then idles instead of polling.
func (p *Poller) Startup() error {
	ident, err := p.transport.Identity()
	if err != nil {
		return fmt.Errorf("[%s] identity discovery: %w", p.deviceID, err)
	}
	log.Printf("[%s] identity: model=%s serial=%s outlets=%d phases=%d",
		p.deviceID, ident.Model, ident.Serial, ident.OutletCount, ident.PhaseCount)

	p.validateSerial(ident)
	if p.SerialMismatch() {
		return nil
	}

	p.mu.Lock()
	p.identity = ident
	p.outletCount = ident.OutletCount
	if p.outletCount == 0 {
		p.outletCount = 10
	}
	p.mu.Unlock()

	banks, err := p.transport.DiscoverNumBanks()
	if err != nil {
		log.Printf("[%s] bank discovery failed, using config default %d: %v",
			p.deviceID, p.cfg.Device.NumBanks, err)
		banks = p.cfg.Device.NumBanks
	}
	p.mu.Lock()
	p.numBanks = banks
	outletCount := p.outletCount
	p.mu.Unlock()

	if _, _, err := p.transport.QueryStartupData(outletCount); err != nil {
		log.Printf("[%s] startup data query failed: %v", p.deviceID, err)
	}

	log.Printf("[%s] monitoring %d outlets, %d banks", p.deviceID, outletCount, banks)

	if p.cfg.MQTT != nil {
		p.cfg.MQTT.PublishHADiscovery(p.deviceID, outletCount, banks, ident)
	}
	return nil
}

// validateSerial compares the discovered serial against the saved one.
// A mismatch latches the poller; an empty saved serial is persisted.
func (p *Poller) validateSerial(ident *pdu.Identity) {
	saved := p.cfg.Device.Serial
	discovered := ident.Serial

	switch {
	case saved != "" && discovered != "" && saved != discovered:
		log.Printf("[%s] SERIAL MISMATCH: config has %q but PDU reports %q — stopping poller, wrong PDU at this address?",
			p.deviceID, saved, discovered)
		p.mu.Lock()
		p.serialMismatch = true
		p.mu.Unlock()

	case saved == "" && discovered != "":
		log.Printf("[%s] first-run serial discovery: saving %q to config", p.deviceID, discovered)
		p.cfg.Device.Serial = discovered
		p.persistConfigs()

	case saved != "" && saved == discovered:
		log.Printf("[%s] serial verified: %s", p.deviceID, discovered)
	}
}

func (p *Poller) persistConfigs() {
	if p.cfg.PersistConfigs == nil {
		return
	}
	if err := p.cfg.PersistConfigs(); err != nil {
		log.Printf("[%s] failed to persist PDU configs: %v", p.deviceID, err)
	}
}

// PollOnce performs one poll iteration: snapshot, name overlay, reboot
// detection, and the isolated four-way fan-out. Transport failures are
// counted by the transport itself and reflected in the FSM by the
// caller.
func (p *Poller) PollOnce() {
	started := p.now()
	snap, err := p.transport.Poll()
	if err != nil {
		p.mu.Lock()
		p.pollErrors++
		p.lastPollDuration = p.now().Sub(started)
		errCount := p.pollErrors
		p.mu.Unlock()
		metrics.PollErrorsTotal.WithLabelValues(p.deviceID).Inc()
		if errCount <= 5 || errCount%30 == 0 {
			log.Printf("[%s] poll error (%d): %v", p.deviceID, errCount, err)
		}
		return
	}

	snap.Identity = p.identitySnapshot()
	p.applyNames(snap)
	p.detectReboot(snap)

	// Subsystem isolation: fan-out order is publish, record, web cache,
	// evaluate. A failure in one never reaches the others or the loop.
	p.safeSubsystem("mqtt", func() {
		if p.cfg.MQTT != nil {
			p.cfg.MQTT.PublishSnapshot(p.deviceID, snap)
		}
	})
	p.safeSubsystem("history", func() {
		if p.cfg.History != nil {
			p.cfg.History.Record(snap, p.deviceID)
		}
	})
	if p.cfg.Web != nil {
		p.cfg.Web.UpdateData(p.deviceID, snap)
	}
	p.safeSubsystem("automation", func() {
		events := p.engine.Evaluate(snap)
		if p.cfg.MQTT != nil {
			p.cfg.MQTT.PublishAutomationStatus(p.deviceID, p.engine.ListRules())
			for _, ev := range events {
				if ev.Type == automation.EventTriggered {
					metrics.RuleTriggersTotal.WithLabelValues(p.deviceID).Inc()
				}
				p.cfg.MQTT.PublishAutomationEvent(p.deviceID, ev)
			}
		}
	})

	p.mu.Lock()
	p.pollCount++
	p.lastSuccess = p.now()
	p.lastPollDuration = p.now().Sub(started)
	count := p.pollCount
	state := p.state
	duration := p.lastPollDuration
	p.mu.Unlock()
	metrics.PollsTotal.WithLabelValues(p.deviceID).Inc()

	if count%60 == 1 {
		voltage := 0.0
		if snap.InputVoltage != nil {
			voltage = *snap.InputVoltage
		}
		log.Printf("[%s] poll #%d [%s]: voltage=%.1fV, %d outlets, %d banks (%dms)",
			p.deviceID, count, state, voltage, len(snap.Outlets), len(snap.Banks),
			duration.Milliseconds())
	}
}

func (p *Poller) identitySnapshot() *pdu.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// detectReboot logs when the device's uptime counter moves backwards.
func (p *Poller) detectReboot(snap *pdu.Snapshot) {
	if snap.SysUptime == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haveSysUptime && snap.SysUptime < p.lastSysUptime {
		log.Printf("[%s] PDU reboot detected (uptime %d -> %d)",
			p.deviceID, p.lastSysUptime, snap.SysUptime)
	}
	p.lastSysUptime = snap.SysUptime
	p.haveSysUptime = true
}

// safeSubsystem runs one fan-out target, counting and containing any
// panic. The first three failures per subsystem are logged, then every
// 30th.
func (p *Poller) safeSubsystem(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.subsystemErrors[name]++
			count := p.subsystemErrors[name]
			p.mu.Unlock()
			metrics.SubsystemErrorsTotal.WithLabelValues(p.deviceID, name).Inc()
			if count <= 3 || count%30 == 0 {
				log.Printf("[%s] %s subsystem error (%d): %v", p.deviceID, name, count, r)
			}
		}
	}()
	fn()
}

// UpdateState advances the health FSM from the transport's consecutive
// failure count and runs recovery scans when due.
func (p *Poller) UpdateState(consecutiveFailures int) {
	p.mu.Lock()
	if consecutiveFailures == 0 {
		if p.state != StateHealthy {
			log.Printf("[%s] state -> healthy", p.deviceID)
		}
		p.state = StateHealthy
		p.recoveryScans = 0
		p.mu.Unlock()
		metrics.PollerState.WithLabelValues(p.deviceID).Set(float64(StateHealthy))
		return
	}

	if p.state == StateHealthy && consecutiveFailures >= degradedAfter {
		p.state = StateDegraded
		log.Printf("[%s] state -> degraded (%d consecutive failures)", p.deviceID, consecutiveFailures)
	}
	if p.state == StateDegraded && consecutiveFailures >= recoveringAfter {
		p.state = StateRecovering
		log.Printf("[%s] state -> recovering (%d consecutive failures)", p.deviceID, consecutiveFailures)
	}
	state := p.state
	lastScan := p.lastRecoveryScan
	p.mu.Unlock()
	metrics.PollerState.WithLabelValues(p.deviceID).Set(float64(state))

	switch state {
	case StateRecovering:
		p.attemptRecovery()
	case StateLost:
		if p.now().Sub(lastScan) >= lostScanEvery {
			p.attemptRecovery()
		}
	}
}

// attemptRecovery scans the subnet for this device's serial at a new
// address. A hit updates the config and transport target; five misses
// declare the device LOST.
func (p *Poller) attemptRecovery() {
	if !p.cfg.RecoveryEnabled || p.cfg.FindBySerial == nil {
		return
	}
	if p.cfg.Device.Serial == "" {
		log.Printf("[%s] cannot recover — no serial number saved", p.deviceID)
		return
	}
	subnet := p.cfg.Device.RecoveryNet()
	if subnet == "" {
		log.Printf("[%s] cannot recover — no subnet to scan", p.deviceID)
		return
	}

	p.mu.Lock()
	p.recoveryScans++
	scan := p.recoveryScans
	p.lastRecoveryScan = p.now()
	p.mu.Unlock()
	metrics.RecoveryScansTotal.WithLabelValues(p.deviceID).Inc()

	log.Printf("[%s] recovery scan #%d on %s for serial %s",
		p.deviceID, scan, subnet, p.cfg.Device.Serial)

	found, err := p.cfg.FindBySerial(p.cfg.Device.Serial, subnet,
		p.cfg.Device.CommunityRead, p.cfg.Device.SNMPPort)
	if err != nil {
		log.Printf("[%s] recovery scan failed: %v", p.deviceID, err)
		return
	}

	switch {
	case found != nil && found.Host != p.cfg.Device.Host:
		oldHost := p.cfg.Device.Host
		log.Printf("[%s] PDU found at new IP %s (was %s)", p.deviceID, found.Host, oldHost)
		p.cfg.Device.Host = found.Host
		p.persistConfigs()
		p.transport.UpdateTarget(found.Host, 0)
		p.transport.ResetHealth()

		// Re-verify identity at the new address; a mismatch here latches
		// exactly like at startup.
		ident, err := p.transport.Identity()
		if err != nil {
			log.Printf("[%s] post-recovery identity check failed: %v", p.deviceID, err)
		} else {
			p.validateSerial(ident)
		}

		p.mu.Lock()
		if !p.serialMismatch {
			p.state = StateHealthy
			p.recoveryScans = 0
			log.Printf("[%s] recovery successful — resumed polling", p.deviceID)
		}
		p.mu.Unlock()

	case found != nil:
		// Same address; the device just came back.
		p.transport.ResetHealth()
		p.mu.Lock()
		p.state = StateHealthy
		p.recoveryScans = 0
		p.mu.Unlock()
		log.Printf("[%s] PDU back online at same IP", p.deviceID)

	default:
		log.Printf("[%s] recovery scan #%d: PDU not found", p.deviceID, scan)
		p.mu.Lock()
		if p.recoveryScans >= lostAfterScans {
			p.state = StateLost
			log.Printf("[%s] PDU declared lost after %d recovery scans", p.deviceID, p.recoveryScans)
		}
		p.mu.Unlock()
	}
}

// interval returns the sleep before the next poll, slowed while LOST.
func (p *Poller) interval() time.Duration {
	if p.State() == StateLost {
		return lostPollInterval
	}
	if p.cfg.PollInterval != nil {
		return p.cfg.PollInterval()
	}
	return time.Second
}

// Run executes startup then the poll loop until Stop is called. It
// closes the transport on the way out.
func (p *Poller) Run() {
	p.mu.Lock()
	select {
	case <-p.stop:
		// Stop already ran before Run started and closed the transport.
		p.mu.Unlock()
		return
	default:
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)
	defer p.transport.Close() //nolint:errcheck

	// Keep retrying startup discovery until the device answers; a PDU
	// that is offline at boot starts polling once it appears.
	for {
		err := p.Startup()
		if err == nil {
			break
		}
		log.Printf("%v — retrying", err)
		if !p.sleep(mismatchIdleSleep) {
			return
		}
	}

	for {
		if p.SerialMismatch() {
			if !p.sleep(mismatchIdleSleep) {
				return
			}
			continue
		}

		p.PollOnce()
		p.UpdateState(p.transport.ConsecutiveFailures())

		if !p.sleep(p.interval()) {
			return
		}
	}
}

// sleep waits for d or until Stop; false means stop.
func (p *Poller) sleep(d time.Duration) bool {
	select {
	case <-p.stop:
		return false
	case <-time.After(d):
		return true
	}
}

// Stop signals the poll loop to exit and waits for it to finish. A
// poller that was never started just closes its transport.
func (p *Poller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
		return
	}
	p.transport.Close() //nolint:errcheck
}

// Health reports the poller's status for the web API.
func (p *Poller) Health() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"state":            p.state.String(),
		"serial_mismatch":  p.serialMismatch,
		"poll_count":       p.pollCount,
		"poll_errors":      p.pollErrors,
		"subsystem_errors": map[string]int{
			"mqtt":       p.subsystemErrors["mqtt"],
			"history":    p.subsystemErrors["history"],
			"automation": p.subsystemErrors["automation"],
		},
		"recovery_scans": p.recoveryScans,
		"transport":      p.transport.Health(),
	}
}
