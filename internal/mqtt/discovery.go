package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// deviceInfo is the Home Assistant device registry block shared by every
// entity of one PDU, so HA groups them under a single device page.
type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	HWVersion    string   `json:"hw_version,omitempty"`
}

// availability is the shared availability block pointing at the bridge
// status topic.
type availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// PublishHADiscovery emits the retained Home Assistant discovery configs
// for one device: outlet switches, bank and input sensors, and the
// bridge-status binary sensor. Idempotent: a second call for the same
// device is a no-op until the device is unregistered.
func (h *Handler) PublishHADiscovery(deviceID string, outletCount, numBanks int, identity *pdu.Identity) {
	h.mu.Lock()
	if h.haDiscoverySent[deviceID] {
		h.mu.Unlock()
		return
	}
	h.haDiscoverySent[deviceID] = true
	h.mu.Unlock()

	base := "pdu/" + deviceID

	// Serial-based identifiers keep entity history stable across renames
	// and readdressing; fall back to the device id for serial-less units.
	identifiers := []string{"cyberpdu_" + deviceID}
	model := "PDU44001"
	dev := deviceInfo{
		Name:         "CyberPower " + strings.ToUpper(deviceID),
		Manufacturer: "CyberPower",
	}
	if identity != nil {
		if identity.Serial != "" {
			identifiers = []string{"cyberpdu_" + identity.Serial}
		}
		if identity.Model != "" {
			model = identity.Model
		}
		dev.SWVersion = identity.FirmwareMain
		if identity.HardwareRev != 0 {
			dev.HWVersion = fmt.Sprintf("%d", identity.HardwareRev)
		}
	}
	dev.Identifiers = identifiers
	dev.Model = model

	avail := availability{
		Topic:               base + "/bridge/status",
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}

	// Outlet switches.
	for n := 1; n <= outletCount; n++ {
		uid := fmt.Sprintf("%s_outlet_%d", deviceID, n)
		h.retainJSON("homeassistant/switch/"+uid+"/config", map[string]any{
			"name":          fmt.Sprintf("Outlet %d", n),
			"unique_id":     uid,
			"device":        dev,
			"availability":  avail,
			"state_topic":   fmt.Sprintf("%s/outlet/%d/state", base, n),
			"command_topic": fmt.Sprintf("%s/outlet/%d/command", base, n),
			"payload_on":    "on",
			"payload_off":   "off",
			"state_on":      "on",
			"state_off":     "off",
			"icon":          "mdi:power-socket-us",
		})
	}

	// Bank sensors.
	bankMetrics := []struct {
		metric, unit, class, icon string
	}{
		{"voltage", "V", "voltage", "mdi:flash-triangle"},
		{"current", "A", "current", "mdi:current-ac"},
		{"power", "W", "power", "mdi:flash"},
		{"apparent_power", "VA", "", "mdi:flash-outline"},
		{"power_factor", "", "power_factor", "mdi:angle-acute"},
		{"load_state", "", "", "mdi:gauge"},
	}
	for idx := 1; idx <= numBanks; idx++ {
		for _, m := range bankMetrics {
			uid := fmt.Sprintf("%s_bank_%d_%s", deviceID, idx, m.metric)
			cfg := map[string]any{
				"name":         fmt.Sprintf("Bank %d %s", idx, titleMetric(m.metric)),
				"unique_id":    uid,
				"device":       dev,
				"availability": avail,
				"state_topic":  fmt.Sprintf("%s/bank/%d/%s", base, idx, m.metric),
				"icon":         m.icon,
			}
			if m.unit != "" {
				cfg["unit_of_measurement"] = m.unit
			}
			if m.class != "" {
				cfg["device_class"] = m.class
			}
			if m.metric != "load_state" {
				cfg["state_class"] = "measurement"
			}
			h.retainJSON("homeassistant/sensor/"+uid+"/config", cfg)
		}
	}

	// Input sensors.
	for _, m := range []struct {
		metric, unit, class, icon string
	}{
		{"voltage", "V", "voltage", "mdi:flash-triangle"},
		{"frequency", "Hz", "frequency", "mdi:sine-wave"},
	} {
		uid := fmt.Sprintf("%s_input_%s", deviceID, m.metric)
		h.retainJSON("homeassistant/sensor/"+uid+"/config", map[string]any{
			"name":                fmt.Sprintf("Input %s", titleMetric(m.metric)),
			"unique_id":           uid,
			"device":              dev,
			"availability":        avail,
			"state_topic":         fmt.Sprintf("%s/input/%s", base, m.metric),
			"unit_of_measurement": m.unit,
			"device_class":        m.class,
			"state_class":         "measurement",
			"icon":                m.icon,
		})
	}

	// Bridge status binary sensor.
	uid := deviceID + "_bridge_status"
	h.retainJSON("homeassistant/binary_sensor/"+uid+"/config", map[string]any{
		"name":         "Bridge Status",
		"unique_id":    uid,
		"device":       dev,
		"state_topic":  base + "/bridge/status",
		"payload_on":   "online",
		"payload_off":  "offline",
		"device_class": "connectivity",
		"icon":         "mdi:bridge",
	})

	log.Printf("mqtt: published HA discovery for %s (%d outlets, %d banks)",
		deviceID, outletCount, numBanks)
}

func (h *Handler) retainJSON(topic string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt: marshal discovery payload for %s: %v", topic, err)
		return
	}
	h.publish(Message{Topic: topic, Payload: string(body), Retained: true})
}

// titleMetric renders "apparent_power" as "Apparent Power".
func titleMetric(metric string) string {
	words := strings.Split(metric, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
