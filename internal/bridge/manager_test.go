package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/config"
	"github.com/sweeney/pdu-mqtt/internal/devices"
)

// testConfig returns a mock-mode config with all state files in dir and
// an unroutable broker so nothing leaves the machine.
func testConfig(dir string) *config.Config {
	os.Setenv("BRIDGE_MOCK_MODE", "true")                            //nolint:errcheck
	os.Setenv("BRIDGE_PDUS_FILE", filepath.Join(dir, "pdus.json"))   //nolint:errcheck
	os.Setenv("BRIDGE_RULES_FILE", filepath.Join(dir, "rules.json")) //nolint:errcheck
	os.Setenv("BRIDGE_OUTLET_NAMES_FILE", filepath.Join(dir, "outlet_names.json")) //nolint:errcheck
	os.Setenv("BRIDGE_HISTORY_DB", filepath.Join(dir, "history.db")) //nolint:errcheck
	os.Setenv("BRIDGE_WEB_PORT", "18293")                            //nolint:errcheck
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BRIDGE_MOCK_MODE", "BRIDGE_PDUS_FILE", "BRIDGE_RULES_FILE",
		"BRIDGE_OUTLET_NAMES_FILE", "BRIDGE_HISTORY_DB", "BRIDGE_WEB_PORT",
		"PDU_HOST", "PDU_DEVICE_ID",
	} {
		os.Unsetenv(key) //nolint:errcheck
	}
}

func TestLoadDeviceConfigs_Priorities(t *testing.T) {
	defer clearEnv(t)
	dir := t.TempDir()

	// 1. pdus.json wins when present.
	pdusPath := filepath.Join(dir, "pdus.json")
	err := devices.Save(pdusPath, []*devices.PDUConfig{
		devices.New("rack1", "10.0.0.5"),
		devices.New("rack2", "10.0.0.6"),
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(dir)
	got, err := loadDeviceConfigs(cfg)
	if err != nil {
		t.Fatalf("loadDeviceConfigs: %v", err)
	}
	if len(got) != 2 || got[0].DeviceID != "rack1" {
		t.Errorf("configs = %+v", got)
	}

	// 2. Env fallback when the file is absent.
	os.Remove(pdusPath) //nolint:errcheck
	os.Setenv("BRIDGE_MOCK_MODE", "false") //nolint:errcheck
	os.Setenv("PDU_HOST", "10.0.0.77")     //nolint:errcheck
	os.Setenv("PDU_DEVICE_ID", "solo")     //nolint:errcheck
	cfg, err = config.Load()
	if err != nil {
		t.Fatal(err)
	}
	got, err = loadDeviceConfigs(cfg)
	if err != nil {
		t.Fatalf("env fallback: %v", err)
	}
	if len(got) != 1 || got[0].DeviceID != "solo" || got[0].Host != "10.0.0.77" {
		t.Errorf("env config = %+v", got)
	}

	// 3. Nothing configured is a startup error.
	os.Unsetenv("PDU_HOST") //nolint:errcheck
	cfg, err = config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loadDeviceConfigs(cfg); err == nil {
		t.Error("expected error with no configuration at all")
	}
}

func TestManager_MockModeLifecycle(t *testing.T) {
	defer clearEnv(t)
	dir := t.TempDir()
	cfg := testConfig(dir)

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m.pollers) != 1 {
		t.Fatalf("pollers = %d, want 1 (mock device)", len(m.pollers))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Let a couple of polls happen, then shut down.
	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

func TestManager_AddAndDeletePDU(t *testing.T) {
	defer clearEnv(t)
	dir := t.TempDir()
	cfg := testConfig(dir)

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.history.Close()

	added := devices.New("rack9", "10.0.0.9")
	if err := m.addPDU(added); err != nil {
		t.Fatalf("addPDU: %v", err)
	}
	if err := m.addPDU(devices.New("rack9", "10.0.0.10")); err == nil {
		t.Error("duplicate device_id should be rejected")
	}

	// The config file was persisted with both devices.
	saved, err := devices.Load(cfg.Files.PDUsFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 {
		t.Errorf("persisted configs = %d, want 2", len(saved))
	}

	if err := m.deletePDU("rack9"); err != nil {
		t.Fatalf("deletePDU: %v", err)
	}
	if err := m.deletePDU("rack9"); err == nil {
		t.Error("double delete should fail")
	}
	saved, _ = devices.Load(cfg.Files.PDUsFile)
	if len(saved) != 1 {
		t.Errorf("persisted configs after delete = %d, want 1", len(saved))
	}
}

func TestManager_PollIntervalValidation(t *testing.T) {
	defer clearEnv(t)
	dir := t.TempDir()
	cfg := testConfig(dir)

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.history.Close()

	if err := m.setPollInterval(0.5); err == nil {
		t.Error("interval below 1s should be rejected")
	}
	if err := m.setPollInterval(301); err == nil {
		t.Error("interval above 300s should be rejected")
	}
	if err := m.setPollInterval(5); err != nil {
		t.Errorf("valid interval rejected: %v", err)
	}
	if got := m.currentPollInterval(); got != 5*time.Second {
		t.Errorf("currentPollInterval = %v, want 5s", got)
	}
}

func TestManager_StatePaths(t *testing.T) {
	defer clearEnv(t)
	dir := t.TempDir()
	cfg := testConfig(dir)

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.history.Close()

	// Single device keeps the legacy flat path.
	if got := m.statePath(cfg.Files.RulesFile, "rules", "pdu44001"); got != cfg.Files.RulesFile {
		t.Errorf("single-device rules path = %q", got)
	}

	// Multi-device derives per-device siblings.
	m.pduConfigs = append(m.pduConfigs, devices.New("rack2", "10.0.0.6"))
	want := filepath.Join(filepath.Dir(cfg.Files.RulesFile), "rules_rack2.json")
	if got := m.statePath(cfg.Files.RulesFile, "rules", "rack2"); got != want {
		t.Errorf("multi-device rules path = %q, want %q", got, want)
	}
}
