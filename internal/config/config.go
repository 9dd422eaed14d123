// Package config loads and merges configuration from built-in defaults,
// an optional TOML file, and environment variable overrides. Environment
// values outside their documented ranges fail startup with a specific
// message; the bridge never runs on a half-understood configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// PDUConfig holds the single-PDU environment fallback used when no
// pdus.json exists. Multi-PDU deployments use the pdus file instead.
type PDUConfig struct {
	Host           string `toml:"host"`
	SNMPPort       int    `toml:"snmp_port"`
	CommunityRead  string `toml:"community_read"`
	CommunityWrite string `toml:"community_write"`
	DeviceID       string `toml:"device_id"`
}

// MQTTConfig holds MQTT broker connection settings.
type MQTTConfig struct {
	Broker   string `toml:"broker"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// BridgeConfig holds poll-loop and transport tuning.
type BridgeConfig struct {
	PollIntervalSec float64 `toml:"poll_interval"` // seconds
	MockMode        bool    `toml:"mock_mode"`
	SNMPTimeoutSec  float64 `toml:"snmp_timeout"` // seconds
	SNMPRetries     int     `toml:"snmp_retries"`
	RecoveryEnabled bool    `toml:"recovery_enabled"`
	WebPort         int     `toml:"web_port"`
}

// HistoryConfig holds the sample store settings.
type HistoryConfig struct {
	DBPath          string  `toml:"db_path"`
	RetentionDays   int     `toml:"retention_days"`
	HouseMonthlyKWh float64 `toml:"house_monthly_kwh"`
}

// FilesConfig holds the persistent state file locations.
type FilesConfig struct {
	RulesFile       string `toml:"rules_file"`
	OutletNamesFile string `toml:"outlet_names_file"`
	PDUsFile        string `toml:"pdus_file"`
}

// Config is the top-level configuration struct.
type Config struct {
	PDU     PDUConfig     `toml:"pdu"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Bridge  BridgeConfig  `toml:"bridge"`
	History HistoryConfig `toml:"history"`
	Files   FilesConfig   `toml:"files"`
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Bridge.PollIntervalSec * float64(time.Second))
}

// SNMPTimeout returns the per-request SNMP timeout as a duration.
func (c *Config) SNMPTimeout() time.Duration {
	return time.Duration(c.Bridge.SNMPTimeoutSec * float64(time.Second))
}

// Load reads config from the first existing path in paths, then applies
// environment overrides and validates ranges. Missing files are skipped
// silently; a malformed file, a bad env value, or an out-of-range value
// is an error.
func Load(paths ...string) (*Config, error) {
	cfg := defaults()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
			break // first found file wins
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("checking config path %q: %w", path, statErr)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		PDU: PDUConfig{
			SNMPPort:       161,
			CommunityRead:  "public",
			CommunityWrite: "private",
			DeviceID:       "pdu44001",
		},
		MQTT: MQTTConfig{
			Broker: "mosquitto",
			Port:   1883,
		},
		Bridge: BridgeConfig{
			PollIntervalSec: 1.0,
			SNMPTimeoutSec:  2.0,
			SNMPRetries:     1,
			RecoveryEnabled: true,
			WebPort:         8080,
		},
		History: HistoryConfig{
			DBPath:        "/data/history.db",
			RetentionDays: 60,
		},
		Files: FilesConfig{
			RulesFile:       "/data/rules.json",
			OutletNamesFile: "/data/outlet_names.json",
			PDUsFile:        "/data/pdus.json",
		},
	}
}

// applyEnvOverrides copies documented environment variables into cfg.
// Unparsable values are fatal, not ignored.
func applyEnvOverrides(cfg *Config) error {
	str := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	str("PDU_HOST", &cfg.PDU.Host)
	str("PDU_COMMUNITY_READ", &cfg.PDU.CommunityRead)
	str("PDU_COMMUNITY_WRITE", &cfg.PDU.CommunityWrite)
	str("PDU_DEVICE_ID", &cfg.PDU.DeviceID)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("BRIDGE_RULES_FILE", &cfg.Files.RulesFile)
	str("BRIDGE_OUTLET_NAMES_FILE", &cfg.Files.OutletNamesFile)
	str("BRIDGE_PDUS_FILE", &cfg.Files.PDUsFile)
	str("BRIDGE_HISTORY_DB", &cfg.History.DBPath)

	intVars := []struct {
		env string
		dst *int
	}{
		{"PDU_SNMP_PORT", &cfg.PDU.SNMPPort},
		{"MQTT_PORT", &cfg.MQTT.Port},
		{"BRIDGE_SNMP_RETRIES", &cfg.Bridge.SNMPRetries},
		{"BRIDGE_WEB_PORT", &cfg.Bridge.WebPort},
		{"HISTORY_RETENTION_DAYS", &cfg.History.RetentionDays},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s=%q is not a valid integer", iv.env, v)
			}
			*iv.dst = n
		}
	}

	floatVars := []struct {
		env string
		dst *float64
	}{
		{"BRIDGE_POLL_INTERVAL", &cfg.Bridge.PollIntervalSec},
		{"BRIDGE_SNMP_TIMEOUT", &cfg.Bridge.SNMPTimeoutSec},
		{"HOUSE_MONTHLY_KWH", &cfg.History.HouseMonthlyKWh},
	}
	for _, fv := range floatVars {
		if v := os.Getenv(fv.env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s=%q is not a valid number", fv.env, v)
			}
			*fv.dst = f
		}
	}

	boolVars := []struct {
		env string
		dst *bool
	}{
		{"BRIDGE_MOCK_MODE", &cfg.Bridge.MockMode},
		{"BRIDGE_RECOVERY_ENABLED", &cfg.Bridge.RecoveryEnabled},
	}
	for _, bv := range boolVars {
		if v := os.Getenv(bv.env); v != "" {
			switch strings.ToLower(v) {
			case "true", "1", "yes":
				*bv.dst = true
			case "false", "0", "no":
				*bv.dst = false
			default:
				return fmt.Errorf("%s=%q is not a valid boolean", bv.env, v)
			}
		}
	}

	return nil
}

func (c *Config) validate() error {
	ranges := []struct {
		name     string
		val      float64
		min, max float64
	}{
		{"PDU_SNMP_PORT", float64(c.PDU.SNMPPort), 1, 65535},
		{"MQTT_PORT", float64(c.MQTT.Port), 1, 65535},
		{"BRIDGE_POLL_INTERVAL", c.Bridge.PollIntervalSec, 0.1, 300},
		{"BRIDGE_SNMP_TIMEOUT", c.Bridge.SNMPTimeoutSec, 0.5, 30},
		{"BRIDGE_SNMP_RETRIES", float64(c.Bridge.SNMPRetries), 0, 5},
		{"BRIDGE_WEB_PORT", float64(c.Bridge.WebPort), 1, 65535},
		{"HISTORY_RETENTION_DAYS", float64(c.History.RetentionDays), 1, 365},
		{"HOUSE_MONTHLY_KWH", c.History.HouseMonthlyKWh, 0, 100000},
	}
	for _, r := range ranges {
		if r.val < r.min || r.val > r.max {
			return fmt.Errorf("%s=%v out of range [%v, %v]", r.name, r.val, r.min, r.max)
		}
	}

	if strings.ContainsAny(c.PDU.DeviceID, "/#+ ") {
		return fmt.Errorf("PDU_DEVICE_ID contains invalid characters: %q", c.PDU.DeviceID)
	}
	return nil
}
