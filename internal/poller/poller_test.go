package poller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/automation"
	"github.com/sweeney/pdu-mqtt/internal/devices"
	"github.com/sweeney/pdu-mqtt/internal/mqtt"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
	"github.com/sweeney/pdu-mqtt/internal/web"
)

type finderStub struct {
	result *FindResult
	err    error
	calls  int
}

func (f *finderStub) find(serial, subnet, community string, port int) (*FindResult, error) {
	f.calls++
	return f.result, f.err
}

type testRig struct {
	poller    *Poller
	transport *pdu.FakeTransport
	pub       *mqtt.FakePublisher
	handler   *mqtt.Handler
	web       *web.Server
	finder    *finderStub
	device    *devices.PDUConfig
	persists  int
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	rig := &testRig{
		transport: pdu.NewFakeTransport(),
		pub:       &mqtt.FakePublisher{},
		finder:    &finderStub{},
		device:    devices.New("p1", "10.0.0.5"),
	}
	rig.handler = mqtt.NewHandler("mosquitto", 1883, "p1")
	rig.handler.SetPublisherForTest(rig.pub)
	rig.web = web.NewServer(0, rig.handler, nil, web.Callbacks{})

	rig.poller = New(Config{
		Device:          rig.device,
		Transport:       rig.transport,
		MQTT:            rig.handler,
		Web:             rig.web,
		RulesPath:       filepath.Join(dir, "rules_p1.json"),
		NamesPath:       filepath.Join(dir, "outlet_names_p1.json"),
		PollInterval:    func() time.Duration { return time.Second },
		RecoveryEnabled: true,
		FindBySerial:    rig.finder.find,
		PersistConfigs:  func() error { rig.persists++; return nil },
	})
	return rig
}

func healthySnapshot() *pdu.Snapshot {
	return &pdu.Snapshot{
		DeviceName:  "PDU44001",
		OutletCount: 4,
		PhaseCount:  1,
		Outlets: map[int]*pdu.Outlet{
			1: {Number: 1, Name: "Outlet 1", State: "on"},
			2: {Number: 2, Name: "Outlet 2", State: "on"},
		},
		Banks: map[int]*pdu.Bank{
			1: {Number: 1, Voltage: pdu.Float(120.1), LoadState: "normal"},
		},
		SourceA:            &pdu.Source{Voltage: pdu.Float(120.1), VoltageStatus: "normal"},
		SourceB:            &pdu.Source{Voltage: pdu.Float(119.8), VoltageStatus: "normal"},
		ATSCurrentSource:   pdu.Int(1),
		ATSPreferredSource: pdu.Int(1),
		ATSAutoTransfer:    true,
		SysUptime:          1000,
	}
}

func TestStartup_SavesDiscoveredSerial(t *testing.T) {
	rig := newRig(t)
	rig.transport.Ident.Serial = "SN123"

	if err := rig.poller.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if rig.device.Serial != "SN123" {
		t.Errorf("serial = %q, want SN123 persisted to config", rig.device.Serial)
	}
	if rig.persists != 1 {
		t.Errorf("persists = %d, want 1", rig.persists)
	}
	if rig.poller.SerialMismatch() {
		t.Error("no mismatch expected on first-run discovery")
	}
}

// S5: a serial mismatch latches the poller and nothing is polled.
func TestStartup_SerialMismatchLatches(t *testing.T) {
	rig := newRig(t)
	rig.device.Serial = "SN123"
	rig.transport.Ident.Serial = "SN999"

	if err := rig.poller.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if !rig.poller.SerialMismatch() {
		t.Fatal("mismatch not latched")
	}
	if rig.device.Serial != "SN123" {
		t.Errorf("config serial overwritten to %q", rig.device.Serial)
	}
	// No discovery configs were emitted for the wrong device.
	if _, ok := rig.pub.Find("homeassistant/switch/p1_outlet_1/config"); ok {
		t.Error("HA discovery emitted despite serial mismatch")
	}
}

func TestStartup_EmitsHADiscovery(t *testing.T) {
	rig := newRig(t)
	rig.transport.Ident.Serial = "SN123"
	rig.transport.Ident.OutletCount = 4
	rig.transport.NumBanks = 2

	if err := rig.poller.Startup(); err != nil {
		t.Fatal(err)
	}
	if _, ok := rig.pub.Find("homeassistant/switch/p1_outlet_4/config"); !ok {
		t.Error("outlet switch discovery missing")
	}
	if _, ok := rig.pub.Find("homeassistant/sensor/p1_bank_2_voltage/config"); !ok {
		t.Error("bank sensor discovery missing")
	}
}

func TestPollOnce_FansOutToAllSubsystems(t *testing.T) {
	rig := newRig(t)
	rig.transport.Snapshot = healthySnapshot()
	if err := rig.poller.Startup(); err != nil {
		t.Fatal(err)
	}

	rig.poller.PollOnce()

	// MQTT got the snapshot tree.
	if _, ok := rig.pub.Find("pdu/p1/outlet/1/state"); !ok {
		t.Error("snapshot not published to MQTT")
	}
	// Automation status was published (empty rule list is still status).
	if _, ok := rig.pub.Find("pdu/p1/automation/status"); !ok {
		t.Error("automation status not published")
	}
}

func TestPollOnce_AppliesNameOverridesBeforeFanOut(t *testing.T) {
	rig := newRig(t)
	rig.transport.Snapshot = healthySnapshot()
	if err := rig.poller.Startup(); err != nil {
		t.Fatal(err)
	}
	if err := rig.poller.SetOutletName(1, "rack switch"); err != nil {
		t.Fatal(err)
	}

	rig.poller.PollOnce()

	msg, ok := rig.pub.Find("pdu/p1/outlet/1/name")
	if !ok {
		t.Fatal("outlet name topic missing")
	}
	if msg.Payload != "rack switch" {
		t.Errorf("published name = %q, want override applied before fan-out", msg.Payload)
	}
	// Unrenamed outlets keep the device-reported name.
	msg, _ = rig.pub.Find("pdu/p1/outlet/2/name")
	if msg.Payload != "Outlet 2" {
		t.Errorf("outlet 2 name = %q", msg.Payload)
	}
}

// S1 via the full poller path: a dead input A fires the rule, the
// command reaches the transport, and the response is published.
func TestPollOnce_RuleFiresThroughTransport(t *testing.T) {
	rig := newRig(t)
	snap := healthySnapshot()
	snap.SourceA.Voltage = pdu.Float(0)
	snap.ATSCurrentSource = pdu.Int(2)
	rig.transport.Snapshot = snap
	if err := rig.poller.Startup(); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.poller.Engine().CreateRule(automation.Rule{
		Name: "a-fail", Input: 1, Condition: "voltage_below",
		Threshold: 10.0, Outlet: 3, Action: "off", Restore: true, Delay: 0,
	}); err != nil {
		t.Fatal(err)
	}

	rig.poller.PollOnce()

	cmd, ok := rig.transport.LastCommand()
	if !ok {
		t.Fatal("no command reached the transport")
	}
	if cmd != (pdu.CommandCall{Outlet: 3, Action: "off"}) {
		t.Errorf("command = %+v, want outlet 3 off", cmd)
	}
	if _, ok := rig.pub.Find("pdu/p1/outlet/3/command/response"); !ok {
		t.Error("command response not published")
	}
	if _, ok := rig.pub.Find("pdu/p1/automation/event"); !ok {
		t.Error("automation event not published")
	}
}

func TestUpdateState_Transitions(t *testing.T) {
	rig := newRig(t)
	p := rig.poller

	// Exactly at the boundaries: 9 failures stay healthy, 10 degrade.
	p.UpdateState(9)
	if p.State() != StateHealthy {
		t.Errorf("state after 9 failures = %v, want healthy", p.State())
	}
	p.UpdateState(10)
	if p.State() != StateDegraded {
		t.Errorf("state after 10 failures = %v, want degraded", p.State())
	}
	p.UpdateState(29)
	if p.State() != StateDegraded {
		t.Errorf("state after 29 failures = %v, want degraded", p.State())
	}

	// 30 failures enter RECOVERING and immediately scan. No serial is
	// saved yet, so the scan is refused but the state stands.
	p.UpdateState(30)
	if p.State() != StateRecovering {
		t.Errorf("state after 30 failures = %v, want recovering", p.State())
	}
	if rig.finder.calls != 0 {
		t.Errorf("scan ran without a saved serial")
	}

	// Recovery resets to healthy on a clean poll.
	p.UpdateState(0)
	if p.State() != StateHealthy {
		t.Errorf("state after success = %v, want healthy", p.State())
	}
}

func TestRecovery_LostAfterFiveScans(t *testing.T) {
	rig := newRig(t)
	rig.device.Serial = "SN123"
	rig.finder.result = nil // scans find nothing
	p := rig.poller

	for i := 0; i < 5; i++ {
		// Reset the 300s gate so every tick scans.
		p.mu.Lock()
		p.lastRecoveryScan = time.Time{}
		p.mu.Unlock()
		p.UpdateState(30 + i)
	}
	if rig.finder.calls != 5 {
		t.Fatalf("scans = %d, want 5", rig.finder.calls)
	}
	if p.State() != StateLost {
		t.Fatalf("state = %v, want lost after 5 failed scans", p.State())
	}

	// While LOST, scans are spaced at least 300s apart.
	p.UpdateState(40)
	if rig.finder.calls != 5 {
		t.Errorf("scan ran before the 300s LOST gate elapsed")
	}
	p.mu.Lock()
	p.lastRecoveryScan = time.Now().Add(-lostScanEvery - time.Second)
	p.mu.Unlock()
	p.UpdateState(41)
	if rig.finder.calls != 6 {
		t.Errorf("scan did not run after the LOST gate elapsed")
	}

	// The LOST poll interval is slowed to 30s.
	if p.interval() != lostPollInterval {
		t.Errorf("interval while lost = %v, want %v", p.interval(), lostPollInterval)
	}
}

// S4: the device reappears at a new address. The config is updated and
// persisted, the transport repointed, and the poller returns to healthy.
func TestRecovery_NewAddress(t *testing.T) {
	rig := newRig(t)
	rig.device.Serial = "SN123"
	rig.transport.Ident.Serial = "SN123"
	rig.finder.result = &FindResult{Host: "10.0.0.9", Serial: "SN123"}

	rig.poller.UpdateState(30)

	if rig.device.Host != "10.0.0.9" {
		t.Errorf("config host = %q, want 10.0.0.9", rig.device.Host)
	}
	if rig.persists != 1 {
		t.Errorf("persists = %d, want config saved after host change", rig.persists)
	}
	if rig.transport.TargetHost != "10.0.0.9" {
		t.Errorf("transport target = %q, want 10.0.0.9", rig.transport.TargetHost)
	}
	if rig.poller.State() != StateHealthy {
		t.Errorf("state = %v, want healthy after recovery", rig.poller.State())
	}
	if rig.poller.SerialMismatch() {
		t.Error("unexpected mismatch latch after matching re-verify")
	}
}

// A different PDU squatting on the recovered address latches the poller.
func TestRecovery_NewAddressWrongSerial(t *testing.T) {
	rig := newRig(t)
	rig.device.Serial = "SN123"
	rig.transport.Ident.Serial = "SN999" // identity re-check sees another unit
	rig.finder.result = &FindResult{Host: "10.0.0.9", Serial: "SN123"}

	rig.poller.UpdateState(30)

	if !rig.poller.SerialMismatch() {
		t.Error("mismatch on post-recovery identity must latch the poller")
	}
	if rig.poller.State() == StateHealthy {
		t.Error("poller must not return to healthy on mismatched identity")
	}
}

func TestRecovery_SameAddressComeback(t *testing.T) {
	rig := newRig(t)
	rig.device.Serial = "SN123"
	rig.finder.result = &FindResult{Host: "10.0.0.5", Serial: "SN123"}
	rig.transport.FailNext = 100

	rig.poller.UpdateState(30)

	if rig.poller.State() != StateHealthy {
		t.Errorf("state = %v, want healthy (device back at same IP)", rig.poller.State())
	}
	if rig.transport.TargetUpdates != 0 {
		t.Error("transport target should be untouched for a same-IP comeback")
	}
	if rig.persists != 0 {
		t.Error("config should not be rewritten for a same-IP comeback")
	}
}

func TestSafeSubsystem_ContainsPanics(t *testing.T) {
	rig := newRig(t)
	p := rig.poller

	for i := 0; i < 4; i++ {
		p.safeSubsystem("history", func() { panic("db exploded") })
	}
	p.mu.Lock()
	count := p.subsystemErrors["history"]
	p.mu.Unlock()
	if count != 4 {
		t.Errorf("subsystem errors = %d, want 4", count)
	}
}

func TestHandleCommand_UnknownAction(t *testing.T) {
	rig := newRig(t)
	if rig.poller.HandleCommand(1, "explode") {
		t.Error("unknown action should fail")
	}
	msg, ok := rig.pub.Find("pdu/p1/outlet/1/command/response")
	if !ok {
		t.Fatal("failure response not published")
	}
	if msg.Retained {
		t.Error("command response must not be retained")
	}
	if len(rig.transport.Commands) != 0 {
		t.Error("unknown action must not reach the transport")
	}
}

func TestRunAndStop(t *testing.T) {
	rig := newRig(t)
	rig.transport.Snapshot = healthySnapshot()

	go rig.poller.Run()
	time.Sleep(50 * time.Millisecond)
	rig.poller.Stop()

	if !rig.transport.Closed {
		t.Error("transport not closed on stop")
	}
	if rig.transport.PollCount == 0 {
		t.Error("no polls happened before stop")
	}
}
