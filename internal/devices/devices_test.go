package devices

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPDUConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *PDUConfig
		wantErr bool
	}{
		{"valid", New("rack1-pdu", "10.0.0.5"), false},
		{"slash in id", New("rack/pdu", "10.0.0.5"), true},
		{"hash in id", New("rack#1", "10.0.0.5"), true},
		{"plus in id", New("rack+1", "10.0.0.5"), true},
		{"space in id", New("rack 1", "10.0.0.5"), true},
		{"empty id", New("", "10.0.0.5"), true},
		{"no host", New("rack1", ""), true},
		{"bad subnet", func() *PDUConfig {
			c := New("rack1", "10.0.0.5")
			c.RecoverySubnet = "not-a-cidr"
			return c
		}(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPDUConfig_ValidatePortRange(t *testing.T) {
	c := New("rack1", "10.0.0.5")
	c.SNMPPort = 70000
	if err := c.Validate(); err == nil {
		t.Error("port 70000 should fail validation")
	}
	c.SNMPPort = 161
	if err := c.Validate(); err != nil {
		t.Errorf("port 161 should pass: %v", err)
	}
}

func TestPDUConfig_RecoveryNet(t *testing.T) {
	c := New("rack1", "10.0.0.5")
	if got := c.RecoveryNet(); got != "10.0.0.0/24" {
		t.Errorf("RecoveryNet() = %q, want 10.0.0.0/24", got)
	}

	c.RecoverySubnet = "192.168.20.0/24"
	if got := c.RecoveryNet(); got != "192.168.20.0/24" {
		t.Errorf("explicit subnet not honored: %q", got)
	}

	h := New("rack2", "pdu.example.com")
	if got := h.RecoveryNet(); got != "" {
		t.Errorf("hostname target should yield no subnet, got %q", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdus.json")

	a := New("rack1-pdu", "10.0.0.5")
	a.Serial = "SN123"
	a.Label = "Rack 1"
	b := New("rack2-pdu", "10.0.0.6")
	b.Enabled = false
	b.RecoverySubnet = "10.0.0.0/24"
	want := []*PDUConfig{a, b}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Save")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if got != nil {
		t.Errorf("Load missing file = %+v, want nil", got)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdus.json")
	raw := `{"pdus": [{"device_id": "p1", "host": "10.0.0.9"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d configs, want 1", len(got))
	}
	c := got[0]
	if !c.Enabled {
		t.Error("omitted enabled should default to true")
	}
	if c.SNMPPort != 161 || c.CommunityRead != "public" || c.CommunityWrite != "private" || c.NumBanks != 2 {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestLoad_DuplicateEnabledID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdus.json")
	raw := `{"pdus": [
		{"device_id": "p1", "host": "10.0.0.1"},
		{"device_id": "p1", "host": "10.0.0.2"}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("duplicate enabled device_id should fail to load")
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdus.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed file should return an error")
	}
}
