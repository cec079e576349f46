package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// topicFormat is where a device's sync events are published.
const topicFormat = "nosara/devices/%s/sync"

// ErrNotConnected is returned when publishing before the broker connection
// is up.
var ErrNotConnected = errors.New("events: mqtt not connected")

// MQTTOptions configures an MQTTPublisher.
type MQTTOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	DeviceID string
	// Buffer is the number of events held while the broker is slow.
	Buffer int
}

// MQTTPublisher mirrors bus events to an MQTT topic with QoS 1. Events are
// queued and published from a single goroutine so a slow broker never
// blocks the bus; when the buffer is full new events are dropped.
type MQTTPublisher struct {
	opts   MQTTOptions
	topic  string
	logger *slog.Logger
	client MQTTClient
	outbox chan Event

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int
}

// NewMQTTPublisher creates a publisher that uses the paho client.
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) *MQTTPublisher {
	return NewMQTTPublisherWithClient(opts, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return &DefaultMQTTClient{client: mqtt.NewClient(o)}
	})
}

// NewMQTTPublisherWithClient creates a publisher with a custom client
// factory (for testing).
func NewMQTTPublisherWithClient(opts MQTTOptions, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "unknown"
	}
	return &MQTTPublisher{
		opts:          opts,
		topic:         fmt.Sprintf(topicFormat, opts.DeviceID),
		logger:        logger.With("component", "mqtt-events"),
		outbox:        make(chan Event, opts.Buffer),
		clientFactory: clientFactory,
	}
}

// Topic returns the publish topic.
func (p *MQTTPublisher) Topic() string { return p.topic }

// Start connects to the broker and starts the publish loop.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	o := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.opts.Host, p.opts.Port)
	o.AddBroker(brokerURL)
	o.SetClientID(fmt.Sprintf("nosara-sync-%s-%d", p.opts.DeviceID, time.Now().Unix()))
	if p.opts.Username != "" {
		o.SetUsername(p.opts.Username)
		o.SetPassword(p.opts.Password)
	}
	o.SetKeepAlive(30 * time.Second)
	o.SetPingTimeout(10 * time.Second)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetMaxReconnectInterval(30 * time.Second)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Info("mqtt connected", "topic", p.topic)
	})

	p.client = p.clientFactory(o)

	p.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.loop(ctx, done)
	return nil
}

// Attach subscribes the publisher to bus and returns the unsubscribe func.
func (p *MQTTPublisher) Attach(bus *Bus) func() {
	return bus.Subscribe(p.Enqueue)
}

// Enqueue queues e for publishing without blocking.
func (p *MQTTPublisher) Enqueue(e Event) {
	select {
	case p.outbox <- e:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.logger.Warn("mqtt outbox full, dropping event", "event", e.Type, "dropped", n)
	}
}

// Dropped returns how many events were discarded because the outbox was full.
func (p *MQTTPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *MQTTPublisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.outbox:
			if err := p.Publish(e); err != nil {
				p.logger.Warn("publish event failed", "event", e.Type, "error", err)
			}
		}
	}
}

// Publish sends e synchronously.
func (p *MQTTPublisher) Publish(e Event) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// QoS 1 (at least once delivery)
	token := p.client.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.logger.Debug("event published", "topic", p.topic, "event", e.Type, "size", len(payload))
	return nil
}

// Stop ends the publish loop and disconnects.
func (p *MQTTPublisher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.logger.Info("mqtt publisher stopped")
}
