package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/automation"
	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// maxPending bounds the queue of retained publishes held across a
// disconnect. When full, new retained publishes are dropped and counted;
// queued messages are never displaced.
const maxPending = 100

// commandTopicFilter matches outlet commands for every registered device.
const commandTopicFilter = "pdu/+/outlet/+/command"

// CommandFunc receives a routed outlet command for one device. It is
// invoked on the MQTT network goroutine and must hand the work off
// (e.g. into the bridge's command channel) rather than block.
type CommandFunc func(outlet int, action string)

// Handler multiplexes every PDU onto one broker connection. Publishing
// methods all take the device id; incoming commands are routed through
// the per-device callback map; unrouted commands are logged and
// dropped.
type Handler struct {
	mu sync.Mutex

	pub           Publisher
	primaryDevice string
	broker        string
	port          int

	commanders      map[string]CommandFunc
	haDiscoverySent map[string]bool
	pending         []Message

	connected      bool
	reconnects     int
	lastConnect    time.Time
	lastDisconnect time.Time
	totalPublishes int
	publishErrors  int
	droppedRetained int
}

// NewHandler creates a handler for the given broker. primaryDevice is
// the device id used in the client id and the Last-Will topic.
func NewHandler(broker string, port int, primaryDevice string) *Handler {
	return &Handler{
		primaryDevice:   primaryDevice,
		broker:          broker,
		port:            port,
		commanders:      map[string]CommandFunc{},
		haDiscoverySent: map[string]bool{},
	}
}

// SetPublisherForTest injects a Publisher and marks the connection up.
// Tests only; production connections go through Connect.
func (h *Handler) SetPublisherForTest(pub Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pub = pub
	h.connected = true
}

// ClientID returns the MQTT client id for this bridge instance.
func (h *Handler) ClientID() string {
	return "pdu-bridge-" + h.primaryDevice
}

// WillTopic returns the Last-Will topic (bridge status of the primary
// device; MQTT allows a single will per connection).
func (h *Handler) WillTopic() string {
	return fmt.Sprintf("pdu/%s/bridge/status", h.primaryDevice)
}

// RegisterDevice adds a per-device command callback. Commands arriving
// on pdu/<deviceID>/outlet/<n>/command dispatch through it.
func (h *Handler) RegisterDevice(deviceID string, fn CommandFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commanders[deviceID] = fn
	log.Printf("mqtt: registered device %s for commands", deviceID)
}

// UnregisterDevice removes a device's command callback and discovery
// marker (a re-added device re-emits discovery).
func (h *Handler) UnregisterDevice(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.commanders, deviceID)
	delete(h.haDiscoverySent, deviceID)
}

// Devices returns the registered device ids.
func (h *Handler) Devices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.commanders))
	for id := range h.commanders {
		out = append(out, id)
	}
	return out
}

// Connected reports whether the broker connection is up.
func (h *Handler) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Status returns connection health for the web API.
func (h *Handler) Status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices := make([]string, 0, len(h.commanders))
	for id := range h.commanders {
		devices = append(devices, id)
	}
	return map[string]any{
		"connected":          h.connected,
		"broker":             h.broker,
		"port":               h.port,
		"reconnect_count":    h.reconnects,
		"total_publishes":    h.totalPublishes,
		"publish_errors":     h.publishErrors,
		"pending_queue":      len(h.pending),
		"dropped_retained":   h.droppedRetained,
		"registered_devices": devices,
	}
}

// --- Connection lifecycle (driven by the network client's callbacks) ---

// onConnect publishes bridge status for every registered device,
// subscribes to the wildcard command topic, and drains the pending
// retained queue in FIFO order.
func (h *Handler) onConnect(subscribe func(topic string, qos byte) error) {
	h.mu.Lock()
	if !h.lastConnect.IsZero() {
		h.reconnects++
		log.Printf("mqtt: reconnected (count=%d)", h.reconnects)
	}
	h.connected = true
	h.lastConnect = time.Now()

	devices := make([]string, 0, len(h.commanders)+1)
	devices = append(devices, h.primaryDevice)
	for id := range h.commanders {
		if id != h.primaryDevice {
			devices = append(devices, id)
		}
	}
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, dev := range devices {
		h.publish(Message{
			Topic:    fmt.Sprintf("pdu/%s/bridge/status", dev),
			Payload:  "online",
			QoS:      1,
			Retained: true,
		})
	}

	if subscribe != nil {
		if err := subscribe(commandTopicFilter, 1); err != nil {
			log.Printf("mqtt: subscribe %s failed: %v", commandTopicFilter, err)
		} else {
			log.Printf("mqtt: subscribed to %s", commandTopicFilter)
		}
	}

	if len(pending) > 0 {
		for _, msg := range pending {
			h.publish(msg)
		}
		log.Printf("mqtt: drained %d pending publishes after reconnect", len(pending))
	}
}

func (h *Handler) onDisconnect(err error) {
	h.mu.Lock()
	h.connected = false
	h.lastDisconnect = time.Now()
	h.mu.Unlock()
	log.Printf("mqtt: disconnected: %v", err)
}

// publish sends one message with error tracking. Failed retained
// publishes are queued for the next reconnect; failed non-retained
// publishes are dropped and counted.
func (h *Handler) publish(msg Message) {
	h.mu.Lock()
	h.totalPublishes++
	pub := h.pub
	h.mu.Unlock()

	var err error
	if pub == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = pub.Publish(msg)
	}
	if err == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishErrors++
	if h.publishErrors%100 == 1 {
		log.Printf("mqtt: publish failed (topic=%s): %v", msg.Topic, err)
	}
	if msg.Retained {
		if len(h.pending) < maxPending {
			h.pending = append(h.pending, msg)
		} else {
			h.droppedRetained++
		}
	}
}

// --- Incoming command routing ---

// HandleMessage routes an incoming message. Topics that are not
// well-formed outlet commands are silently ignored; unknown devices and
// non-integer outlet numbers are logged and dropped.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "pdu" || parts[2] != "outlet" || parts[4] != "command" {
		return
	}
	deviceID := parts[1]
	outlet, err := strconv.Atoi(parts[3])
	if err != nil {
		log.Printf("mqtt: ignoring command with non-integer outlet %q on %s", parts[3], topic)
		return
	}
	action := strings.ToLower(strings.TrimSpace(string(payload)))
	log.Printf("mqtt: command received: device=%s outlet=%d -> %s", deviceID, outlet, action)

	h.mu.Lock()
	fn := h.commanders[deviceID]
	h.mu.Unlock()
	if fn == nil {
		log.Printf("mqtt: no device registered for %s, dropping command", deviceID)
		return
	}
	fn(outlet, action)
}

// --- Publishing ---

// statusPayload is the JSON body of the retained pdu/<D>/status topic.
type statusPayload struct {
	DeviceName     string        `json:"device_name"`
	OutletCount    int           `json:"outlet_count"`
	PhaseCount     int           `json:"phase_count"`
	InputVoltage   *float64      `json:"input_voltage"`
	InputFrequency *float64      `json:"input_frequency"`
	Identity       *pdu.Identity `json:"identity,omitempty"`
	Timestamp      float64       `json:"timestamp"`
}

// PublishSnapshot fans one snapshot out to the device's retained topic
// tree: the JSON status, input/ats/total scalars, per-outlet and
// per-bank metrics, and environment readings when a sensor is present.
func (h *Handler) PublishSnapshot(deviceID string, snap *pdu.Snapshot) {
	prefix := "pdu/" + deviceID

	status := statusPayload{
		DeviceName:     snap.DeviceName,
		OutletCount:    snap.OutletCount,
		PhaseCount:     snap.PhaseCount,
		InputVoltage:   snap.InputVoltage,
		InputFrequency: snap.InputFrequency,
		Identity:       snap.Identity,
		Timestamp:      float64(time.Now().UnixNano()) / 1e9,
	}
	if body, err := json.Marshal(status); err == nil {
		h.retain(prefix+"/status", string(body))
	}

	if snap.InputVoltage != nil {
		h.retain(prefix+"/input/voltage", formatFloat(*snap.InputVoltage))
	}
	if snap.InputFrequency != nil {
		h.retain(prefix+"/input/frequency", formatFloat(*snap.InputFrequency))
	}

	var totalPower, totalCurrent float64
	var havePower, haveCurrent bool
	for idx, bank := range snap.Banks {
		bp := fmt.Sprintf("%s/bank/%d", prefix, idx)
		if bank.Voltage != nil {
			h.retain(bp+"/voltage", formatFloat(*bank.Voltage))
		}
		if bank.Current != nil {
			h.retain(bp+"/current", formatFloat(*bank.Current))
			totalCurrent += *bank.Current
			haveCurrent = true
		}
		if bank.Power != nil {
			h.retain(bp+"/power", formatFloat(*bank.Power))
			totalPower += *bank.Power
			havePower = true
		}
		if bank.ApparentPower != nil {
			h.retain(bp+"/apparent_power", formatFloat(*bank.ApparentPower))
		}
		if bank.PowerFactor != nil {
			h.retain(bp+"/power_factor", formatFloat(*bank.PowerFactor))
		}
		h.retain(bp+"/load_state", bank.LoadState)
	}
	if havePower {
		h.retain(prefix+"/total/power", formatFloat(totalPower))
	}
	if haveCurrent {
		h.retain(prefix+"/total/current", formatFloat(totalCurrent))
	}

	for n, outlet := range snap.Outlets {
		op := fmt.Sprintf("%s/outlet/%d", prefix, n)
		h.retain(op+"/state", outlet.State)
		h.retain(op+"/name", outlet.Name)
		if outlet.Current != nil {
			h.retain(op+"/current", formatFloat(*outlet.Current))
		}
		if outlet.Power != nil {
			h.retain(op+"/power", formatFloat(*outlet.Power))
		}
		if outlet.Energy != nil {
			h.retain(op+"/energy", formatFloat(*outlet.Energy))
		}
	}

	if snap.ATSPreferredSource != nil {
		h.retain(prefix+"/ats/preferred_source", strconv.Itoa(*snap.ATSPreferredSource))
	}
	if snap.ATSCurrentSource != nil {
		h.retain(prefix+"/ats/current_source", strconv.Itoa(*snap.ATSCurrentSource))
	}
	h.retain(prefix+"/ats/auto_transfer", strconv.FormatBool(snap.ATSAutoTransfer))
	if snap.RedundancyOK != nil {
		h.retain(prefix+"/ats/redundancy_ok", strconv.FormatBool(*snap.RedundancyOK))
	}

	if env := snap.Environment; env != nil && env.SensorPresent {
		ep := prefix + "/environment"
		if env.Temperature != nil {
			h.retain(ep+"/temperature", formatFloat(*env.Temperature))
		}
		if env.Humidity != nil {
			h.retain(ep+"/humidity", formatFloat(*env.Humidity))
		}
		for contact, closed := range env.Contacts {
			h.retain(fmt.Sprintf("%s/contact_%d", ep, contact), strconv.FormatBool(closed))
		}
	}
}

// PublishCommandResponse reports an outlet command's outcome (QoS 1,
// not retained).
func (h *Handler) PublishCommandResponse(deviceID string, outlet int, command string, success bool, errMsg string) {
	resp := map[string]any{
		"success": success,
		"command": command,
		"outlet":  outlet,
		"error":   nil,
		"ts":      float64(time.Now().UnixNano()) / 1e9,
	}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	h.publish(Message{
		Topic:   fmt.Sprintf("pdu/%s/outlet/%d/command/response", deviceID, outlet),
		Payload: string(body),
		QoS:     1,
	})
}

// PublishAutomationStatus publishes the retained rule-list snapshot.
func (h *Handler) PublishAutomationStatus(deviceID string, rules []automation.RuleWithState) {
	body, err := json.Marshal(rules)
	if err != nil {
		return
	}
	h.retain(fmt.Sprintf("pdu/%s/automation/status", deviceID), string(body))
}

// PublishAutomationEvent publishes a single rule event (QoS 1, not
// retained).
func (h *Handler) PublishAutomationEvent(deviceID string, event automation.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.publish(Message{
		Topic:   fmt.Sprintf("pdu/%s/automation/event", deviceID),
		Payload: string(body),
		QoS:     1,
	})
}

// Disconnect publishes offline status for every registered device and
// closes the network connection.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	devices := make([]string, 0, len(h.commanders)+1)
	devices = append(devices, h.primaryDevice)
	for id := range h.commanders {
		if id != h.primaryDevice {
			devices = append(devices, id)
		}
	}
	pub := h.pub
	h.mu.Unlock()

	for _, dev := range devices {
		h.publish(Message{
			Topic:    fmt.Sprintf("pdu/%s/bridge/status", dev),
			Payload:  "offline",
			QoS:      1,
			Retained: true,
		})
	}
	if pub != nil {
		if err := pub.Close(); err != nil {
			log.Printf("mqtt: error during disconnect: %v", err)
		}
	}
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
}

func (h *Handler) retain(topic, payload string) {
	h.publish(Message{Topic: topic, Payload: payload, Retained: true})
}

// formatFloat returns the shortest decimal representation of v with no
// trailing zeros (e.g. 72.0 → "72", 1.37 → "1.37").
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
