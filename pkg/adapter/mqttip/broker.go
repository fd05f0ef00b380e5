package mqttip

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection errors.
var (
	ErrConnectionFailed = errors.New("mqttip: broker connection failed")
	ErrPublishTimeout   = errors.New("mqttip: publish timed out")
	ErrSubscribeFailed  = errors.New("mqttip: subscribe failed")
)

const (
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
)

// handler receives a message on a subscribed topic.
type handler func(topic string, payload []byte)

// broker is the slice of an MQTT client the driver uses.
type broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, h handler) error
	Close()
}

// will is the message the broker publishes if the core drops off.
type will struct {
	topic   string
	payload string
}

// hooks observe the broker session.
type hooks struct {
	lost func(err error)
}

type dialer func(cfg Config, w will, h hooks) (broker, error)

// pahoBroker implements broker on paho.mqtt.golang. Subscriptions are
// tracked and restored after an automatic reconnect, since the session is
// clean.
type pahoBroker struct {
	client  pahomqtt.Client
	qos     byte
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]handler
}

func dialPaho(cfg Config, w will, h hooks) (broker, error) {
	p := &pahoBroker{
		qos:     cfg.QoS,
		timeout: cfg.ConnectTimeout,
		subs:    make(map[string]handler),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(w.topic, w.payload, cfg.QoS, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if h.lost != nil {
			h.lost(err)
		}
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return p, nil
}

func (p *pahoBroker) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

func (p *pahoBroker) Subscribe(topic string, h handler) error {
	p.mu.Lock()
	p.subs[topic] = h
	p.mu.Unlock()
	return p.subscribe(topic, h)
}

func (p *pahoBroker) subscribe(topic string, h handler) error {
	token := p.client.Subscribe(topic, p.qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s: timeout", ErrSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

func (p *pahoBroker) restoreSubscriptions() {
	p.mu.Lock()
	subs := make(map[string]handler, len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()

	// Not awaited: this runs on paho's connect goroutine.
	for t, h := range subs {
		p.client.Subscribe(t, p.qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
			h(m.Topic(), m.Payload())
		})
	}
}

func (p *pahoBroker) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(defaultDisconnectQuiesce)
	}
}
