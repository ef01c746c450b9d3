package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	apitypes "github.com/sebas/linemux/api/types/v1"
)

// MQTTConfig holds MQTT export configuration.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// mqttClient is the part of the paho client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes every event to <prefix>/lines/<line>/<kind> and,
// when a status source is set, a retained snapshot to <prefix>/status for
// status indicators.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	logger *slog.Logger
	status func() apitypes.Status

	ch        chan apitypes.Event
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "linemux"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = SubjectPrefix
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			logger.Info("MQTT connected", "broker", cfg.Broker)
			c.Publish(cfg.TopicPrefix+"/bridge/state", 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return newMQTTPublisher(client, cfg.TopicPrefix, logger), nil
}

func newMQTTPublisher(client mqttClient, prefix string, logger *slog.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ch:     make(chan apitypes.Event, 1000),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// SetStatusSource makes the publisher refresh the retained status topic
// after each event. Must be called before the first event.
func (p *MQTTPublisher) SetStatusSource(fn func() apitypes.Status) {
	p.status = fn
}

// EventTopic returns the topic for a line event.
func (p *MQTTPublisher) EventTopic(ev apitypes.Event) string {
	return fmt.Sprintf("%s/lines/%s/%s", p.prefix, ev.LineID, ev.Kind)
}

// StatusTopic returns the retained status topic.
func (p *MQTTPublisher) StatusTopic() string {
	return p.prefix + "/status"
}

func (p *MQTTPublisher) loop() {
	defer p.wg.Done()
	for ev := range p.ch {
		if err := p.publish(ev); err != nil {
			p.logger.Warn("MQTT publish failed", "kind", ev.Kind, "line", ev.LineID, "err", err)
		}
	}
}

func (p *MQTTPublisher) publish(ev apitypes.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.client.Publish(p.EventTopic(ev), 0, false, data)

	if p.status == nil {
		return nil
	}
	st, err := json.Marshal(p.status())
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	p.client.Publish(p.StatusTopic(), 1, true, st)
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.publish(event)
}

func (p *MQTTPublisher) PublishAsync(event apitypes.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped++
	}
}

func (p *MQTTPublisher) Flush(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Flush(ctx)
	p.client.Publish(p.prefix+"/bridge/state", 1, true, "offline")
	p.client.Disconnect(1000)
	return err
}
