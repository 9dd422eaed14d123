package mqtt

import (
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// pahoPublisher adapts the paho client to the Publisher interface.
type pahoPublisher struct {
	client paho.Client
}

// publishTimeout bounds the wait for the broker's acknowledgement.
const publishTimeout = 5 * time.Second

// Publish sends a single MQTT message and waits up to publishTimeout for
// the broker to acknowledge. While the connection is down it fails at
// once instead of waiting for a reconnect.
func (p *pahoPublisher) Publish(msg Message) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("not connected")
	}
	token := p.client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", msg.Topic)
	}
	return token.Error()
}

// Close disconnects from the broker gracefully.
func (p *pahoPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// Connect dials the broker with a Last-Will on the primary device's
// bridge-status topic and auto-reconnect backoff (1s → 30s). The initial
// connect is retried in the background by paho, so a broker that is down
// at startup does not fail the bridge.
func (h *Handler) Connect(username, password string) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", h.broker, h.port))
	opts.SetClientID(h.ClientID())
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetWill(h.WillTopic(), "offline", 1, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		h.onConnect(func(topic string, qos byte) error {
			token := client.Subscribe(topic, qos, nil)
			token.Wait()
			return token.Error()
		})
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.onDisconnect(err)
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		h.HandleMessage(msg.Topic(), msg.Payload())
	})

	client := paho.NewClient(opts)

	h.mu.Lock()
	h.pub = &pahoPublisher{client: client}
	h.mu.Unlock()

	log.Printf("mqtt: connecting to broker %s:%d as %s", h.broker, h.port, h.ClientID())
	token := client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt: initial connect to %s:%d failed, retrying in background: %v",
				h.broker, h.port, err)
		}
	}()
	return nil
}
