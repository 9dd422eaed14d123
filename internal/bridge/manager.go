// Package bridge wires the shared services (MQTT, history, web) to one
// poller per configured PDU, owns the runtime-mutable settings, and
// coordinates startup and shutdown.
package bridge

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/config"
	"github.com/sweeney/pdu-mqtt/internal/devices"
	"github.com/sweeney/pdu-mqtt/internal/discovery"
	"github.com/sweeney/pdu-mqtt/internal/history"
	"github.com/sweeney/pdu-mqtt/internal/mqtt"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
	"github.com/sweeney/pdu-mqtt/internal/poller"
	"github.com/sweeney/pdu-mqtt/internal/snmp"
	"github.com/sweeney/pdu-mqtt/internal/web"
)

// reportEvery is the cadence of the weekly-report/cleanup task.
const reportEvery = time.Hour

// pollerStagger spaces poller launches to avoid a thundering herd on
// the broker and the database.
const pollerStagger = 100 * time.Millisecond

// command is one outlet command crossing from the MQTT network
// goroutine into the manager's dispatcher.
type command struct {
	deviceID string
	outlet   int
	action   string
}

// Manager is the top-level orchestrator.
type Manager struct {
	cfg *config.Config

	mu           sync.Mutex
	pduConfigs   []*devices.PDUConfig
	pollers      map[string]*poller.Poller
	pollInterval float64 // seconds; runtime mutable via the web API

	mqtt    *mqtt.Handler
	history *history.Store
	web     *web.Server

	commands chan command
	wg       sync.WaitGroup
}

// New loads the device configs and builds the shared services plus one
// poller per enabled PDU. Configuration problems are returned, not
// logged away; main exits 1 on them.
func New(cfg *config.Config) (*Manager, error) {
	pduConfigs, err := loadDeviceConfigs(cfg)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.History.DBPath, cfg.History.RetentionDays, cfg.History.HouseMonthlyKWh)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          cfg,
		pduConfigs:   pduConfigs,
		pollers:      map[string]*poller.Poller{},
		pollInterval: cfg.Bridge.PollIntervalSec,
		history:      store,
		commands:     make(chan command, 64),
	}

	m.mqtt = mqtt.NewHandler(cfg.MQTT.Broker, cfg.MQTT.Port, pduConfigs[0].DeviceID)
	m.web = web.NewServer(cfg.Bridge.WebPort, m.mqtt, store, m.webCallbacks())

	for _, pc := range pduConfigs {
		if !pc.Enabled {
			log.Printf("skipping disabled PDU: %s", pc.DeviceID)
			continue
		}
		m.addPoller(pc)
	}
	if len(m.pollers) == 0 {
		store.Close()
		return nil, fmt.Errorf("no enabled PDUs configured")
	}

	log.Printf("bridge: %d PDU(s) configured, %d poller(s) active", len(pduConfigs), len(m.pollers))
	return m, nil
}

// loadDeviceConfigs resolves the device list: pdus.json when present,
// otherwise the single-PDU environment fallback, otherwise mock mode.
func loadDeviceConfigs(cfg *config.Config) ([]*devices.PDUConfig, error) {
	pdus, err := devices.Load(cfg.Files.PDUsFile)
	if err != nil {
		return nil, err
	}
	if len(pdus) > 0 {
		log.Printf("loaded %d PDU(s) from %s", len(pdus), cfg.Files.PDUsFile)
		return pdus, nil
	}

	if cfg.Bridge.MockMode {
		log.Printf("mock mode — using simulated PDU config")
		c := devices.New(cfg.PDU.DeviceID, "127.0.0.1")
		c.Label = "Mock PDU"
		return []*devices.PDUConfig{c}, nil
	}

	if cfg.PDU.Host != "" {
		c := devices.New(cfg.PDU.DeviceID, cfg.PDU.Host)
		c.SNMPPort = cfg.PDU.SNMPPort
		c.CommunityRead = cfg.PDU.CommunityRead
		c.CommunityWrite = cfg.PDU.CommunityWrite
		if err := c.Validate(); err != nil {
			return nil, err
		}
		log.Printf("using single PDU from env: %s at %s:%d", c.DeviceID, c.Host, c.SNMPPort)
		return []*devices.PDUConfig{c}, nil
	}

	return nil, fmt.Errorf("no PDU configuration found: create %s, set PDU_HOST, or enable BRIDGE_MOCK_MODE",
		cfg.Files.PDUsFile)
}

// newTransport builds the device transport: the in-process simulator in
// mock mode, SNMP otherwise.
func (m *Manager) newTransport(pc *devices.PDUConfig) pdu.Transport {
	if m.cfg.Bridge.MockMode {
		log.Printf("[%s] starting in MOCK mode", pc.DeviceID)
		return pdu.NewMockPDU(10, pc.NumBanks)
	}
	log.Printf("[%s] starting in REAL mode — SNMP target %s:%d", pc.DeviceID, pc.Host, pc.SNMPPort)
	return snmp.New(snmp.Config{
		Host:           pc.Host,
		Port:           pc.SNMPPort,
		CommunityRead:  pc.CommunityRead,
		CommunityWrite: pc.CommunityWrite,
		Timeout:        m.cfg.SNMPTimeout(),
		Retries:        m.cfg.Bridge.SNMPRetries,
		DefaultBanks:   pc.NumBanks,
	})
}

// statePath returns a per-device sibling of the configured single-device
// path, e.g. rules.json → rules_rack1.json. Single-PDU deployments keep
// the legacy path.
func (m *Manager) statePath(base, prefix, deviceID string) string {
	if len(m.pduConfigs) == 1 {
		return base
	}
	return filepath.Join(filepath.Dir(base), fmt.Sprintf("%s_%s.json", prefix, deviceID))
}

// addPoller builds and registers a poller for one device. Caller may
// hold m.mu only during hot-add; at construction no locking is needed.
func (m *Manager) addPoller(pc *devices.PDUConfig) *poller.Poller {
	p := poller.New(poller.Config{
		Device:          pc,
		Transport:       m.newTransport(pc),
		MQTT:            m.mqtt,
		History:         m.history,
		Web:             m.web,
		RulesPath:       m.statePath(m.cfg.Files.RulesFile, "rules", pc.DeviceID),
		NamesPath:       m.statePath(m.cfg.Files.OutletNamesFile, "outlet_names", pc.DeviceID),
		PollInterval:    m.currentPollInterval,
		RecoveryEnabled: m.cfg.Bridge.RecoveryEnabled,
		FindBySerial:    m.findBySerial,
		PersistConfigs:  m.persistConfigs,
	})
	m.pollers[pc.DeviceID] = p

	deviceID := pc.DeviceID
	m.mqtt.RegisterDevice(deviceID, func(outlet int, action string) {
		// Invoked on the MQTT network goroutine; hand off to the
		// dispatcher rather than touching the transport here.
		select {
		case m.commands <- command{deviceID: deviceID, outlet: outlet, action: action}:
		default:
			log.Printf("[%s] command queue full, dropping outlet %d %s", deviceID, outlet, action)
		}
	})
	m.web.RegisterDevice(deviceID, p.Engine(), p.HandleCommand)
	return p
}

func (m *Manager) currentPollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.pollInterval * float64(time.Second))
}

func (m *Manager) findBySerial(serial, subnet, community string, port int) (*poller.FindResult, error) {
	found, err := discovery.FindBySerial(serial, subnet, community, port, m.cfg.SNMPTimeout())
	if err != nil || found == nil {
		return nil, err
	}
	return &poller.FindResult{Host: found.Host, Serial: found.Serial}, nil
}

func (m *Manager) persistConfigs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return devices.Save(m.cfg.Files.PDUsFile, m.pduConfigs)
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in reverse order: pollers, web, MQTT, history.
func (m *Manager) Run(ctx context.Context) {
	if err := m.mqtt.Connect(m.cfg.MQTT.Username, m.cfg.MQTT.Password); err != nil {
		log.Printf("mqtt: %v", err)
	}
	m.web.Start()

	dispatchDone := make(chan struct{})
	go m.dispatchCommands(dispatchDone)

	m.wg.Add(1)
	go m.reportScheduler(ctx)

	m.mu.Lock()
	pollers := make([]*poller.Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()

	for i, p := range pollers {
		if i > 0 {
			time.Sleep(pollerStagger)
		}
		m.wg.Add(1)
		go func(p *poller.Poller) {
			defer m.wg.Done()
			p.Run()
		}(p)
		log.Printf("launched poller for %s (%d/%d)", p.DeviceID(), i+1, len(pollers))
	}

	<-ctx.Done()
	log.Printf("shutting down…")

	m.mu.Lock()
	running := make([]*poller.Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		running = append(running, p)
	}
	m.mu.Unlock()
	for _, p := range running {
		p.Stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	m.web.Stop(drainCtx)
	cancel()

	// Disconnect before closing the command channel so no MQTT callback
	// can race a send against the close.
	m.mqtt.Disconnect()
	close(m.commands)
	<-dispatchDone

	m.wg.Wait()
	m.history.Close()
	log.Printf("bridge stopped")
}

// dispatchCommands drains the MQTT command channel on a single
// goroutine, serializing command execution per the routing contract.
func (m *Manager) dispatchCommands(done chan struct{}) {
	defer close(done)
	for cmd := range m.commands {
		m.mu.Lock()
		p := m.pollers[cmd.deviceID]
		m.mu.Unlock()
		if p == nil {
			log.Printf("dropping command for unregistered device %s", cmd.deviceID)
			continue
		}
		p.HandleCommand(cmd.outlet, cmd.action)
	}
}

// reportScheduler generates weekly reports and trims history hourly.
func (m *Manager) reportScheduler(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(reportEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.pollers))
			for id := range m.pollers {
				ids = append(ids, id)
			}
			m.mu.Unlock()
			for _, id := range ids {
				if _, err := m.history.GenerateWeeklyReport(id); err != nil {
					log.Printf("report generation for %s failed: %v", id, err)
				}
			}
			m.history.Cleanup()
		}
	}
}

// --- Web callbacks ---

func (m *Manager) webCallbacks() web.Callbacks {
	return web.Callbacks{
		GetPDUs:         m.listPDUs,
		AddPDU:          m.addPDU,
		UpdatePDU:       m.updatePDU,
		DeletePDU:       m.deletePDU,
		Discover:        m.discover,
		SetDeviceField:  m.setDeviceField,
		GetPollInterval: func() float64 { m.mu.Lock(); defer m.mu.Unlock(); return m.pollInterval },
		SetPollInterval: m.setPollInterval,
		GetOutletNames:  m.outletNames,
		SetOutletName:   m.setOutletName,
	}
}

func (m *Manager) listPDUs() []*devices.PDUConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*devices.PDUConfig, len(m.pduConfigs))
	copy(out, m.pduConfigs)
	return out
}

// addPDU registers a new device at runtime and starts its poller.
func (m *Manager) addPDU(cfg *devices.PDUConfig) error {
	m.mu.Lock()
	for _, existing := range m.pduConfigs {
		if existing.DeviceID == cfg.DeviceID {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", devices.ErrDuplicate, cfg.DeviceID)
		}
	}
	m.pduConfigs = append(m.pduConfigs, cfg)
	var p *poller.Poller
	if cfg.Enabled {
		p = m.addPoller(cfg)
	}
	m.mu.Unlock()

	if err := m.persistConfigs(); err != nil {
		return err
	}
	if p != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			p.Run()
		}()
		log.Printf("launched poller for %s (hot add)", cfg.DeviceID)
	}
	return nil
}

func (m *Manager) updatePDU(id string, updated *devices.PDUConfig) error {
	m.mu.Lock()
	var existing *devices.PDUConfig
	for _, pc := range m.pduConfigs {
		if pc.DeviceID == id {
			existing = pc
			break
		}
	}
	p := m.pollers[id]
	oldHost := ""
	if existing != nil {
		oldHost = existing.Host
		// The serial belongs to discovery and survives operator edits;
		// updating in place keeps the running poller's config current.
		updated.DeviceID = id
		updated.Serial = existing.Serial
		*existing = *updated
	}
	m.mu.Unlock()

	if existing == nil {
		return fmt.Errorf("unknown pdu %q", id)
	}
	if p != nil && existing.Host != oldHost {
		p.UpdateTargetForConfigChange(existing.Host, existing.SNMPPort)
	}
	return m.persistConfigs()
}

func (m *Manager) deletePDU(id string) error {
	m.mu.Lock()
	idx := -1
	for i, existing := range m.pduConfigs {
		if existing.DeviceID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("unknown pdu %q", id)
	}
	m.pduConfigs = append(m.pduConfigs[:idx], m.pduConfigs[idx+1:]...)
	p := m.pollers[id]
	delete(m.pollers, id)
	m.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	m.mqtt.UnregisterDevice(id)
	m.web.UnregisterDevice(id)
	return m.persistConfigs()
}

// discover scans each configured device's recovery subnet (its explicit
// recovery_subnet, otherwise the /24 around its host) for PDUs.
func (m *Manager) discover() (any, error) {
	m.mu.Lock()
	subnets := map[string]*devices.PDUConfig{}
	configured := map[string]bool{}
	for _, pc := range m.pduConfigs {
		configured[pc.Host] = true
		if net := pc.RecoveryNet(); net != "" {
			subnets[net] = pc
		}
	}
	m.mu.Unlock()

	var all []discovery.Discovered
	for subnet, pc := range subnets {
		found, err := discovery.ScanSubnet(subnet, pc.CommunityRead, pc.SNMPPort, m.cfg.SNMPTimeout(), configured)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	if all == nil {
		all = []discovery.Discovered{}
	}
	return all, nil
}

func (m *Manager) setDeviceField(deviceID, field, value string) bool {
	m.mu.Lock()
	p := m.pollers[deviceID]
	m.mu.Unlock()
	if p == nil {
		return false
	}
	return p.SetDeviceField(field, value)
}

func (m *Manager) setPollInterval(seconds float64) error {
	if seconds < 1 || seconds > 300 {
		return fmt.Errorf("poll_interval %v out of range [1, 300]", seconds)
	}
	m.mu.Lock()
	m.pollInterval = seconds
	m.mu.Unlock()
	log.Printf("poll interval set to %.1fs", seconds)
	return nil
}

func (m *Manager) outletNames(deviceID string) map[string]string {
	m.mu.Lock()
	p := m.pollers[deviceID]
	m.mu.Unlock()
	if p == nil {
		return map[string]string{}
	}
	return p.OutletNames()
}

func (m *Manager) setOutletName(deviceID string, outlet int, name string) error {
	m.mu.Lock()
	p := m.pollers[deviceID]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	return p.SetOutletName(outlet, name)
}
