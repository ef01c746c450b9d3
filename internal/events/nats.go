package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	apitypes "github.com/sebas/linemux/api/types/v1"
)

// NATSPublisher publishes events to NATS JetStream.
type NATSPublisher struct {
	js         jetstream.JetStream
	conn       *nats.Conn
	streamName string
	logger     *slog.Logger

	asyncCh   chan apitypes.Event
	asyncWg   sync.WaitGroup
	closeOnce sync.Once

	closedMu sync.RWMutex
	closed   bool

	mu           sync.Mutex
	publishCount int64
	errorCount   int64
	asyncDropped int64
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Stream name for line events
	StreamName string
	// Async buffer size (default: 10000)
	AsyncBufferSize int
	// Connection timeout
	ConnectTimeout time.Duration
	// Reconnect settings
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	// Auth
	CredsFile string
	Token     string
	User      string
	Password  string
}

// DefaultNATSConfig returns defaults for a single local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "LINEMUX_EVENTS",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// StreamConfig returns the JetStream stream configuration for line events.
func StreamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:            name,
		Subjects:        []string{PatternAllLines},
		Retention:       jetstream.LimitsPolicy,
		MaxAge:          24 * time.Hour,
		Storage:         jetstream.FileStorage,
		Replicas:        1,
		Duplicates:      2 * time.Minute,
	}
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("linemux-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}

	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg.StreamName)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}

	p := &NATSPublisher{
		js:         js,
		conn:       conn,
		streamName: cfg.StreamName,
		logger:     logger,
		asyncCh:    make(chan apitypes.Event, bufSize),
	}

	p.asyncWg.Add(1)
	go p.asyncPublisher()

	logger.Info("NATS publisher initialized",
		"url", cfg.URL,
		"stream", cfg.StreamName,
	)

	return p, nil
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("async publish failed",
				"error", err,
				"kind", event.Kind,
				"line", event.LineID,
			)
		}
		cancel()
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(event)

	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}

	ack, err := p.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.mu.Lock()
	p.publishCount++
	p.mu.Unlock()

	p.logger.Debug("event published",
		"subject", subject,
		"stream", ack.Stream,
		"seq", ack.Sequence,
	)
	return nil
}

func (p *NATSPublisher) PublishAsync(event apitypes.Event) {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.asyncCh <- event:
	default:
		p.mu.Lock()
		p.asyncDropped++
		p.mu.Unlock()
		p.logger.Warn("async publish buffer full, event dropped",
			"kind", event.Kind,
			"line", event.LineID,
		)
	}
}

// Flush drains the async queue and flushes the connection. No async
// publishing is accepted afterwards.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closedMu.Lock()
		p.closed = true
		close(p.asyncCh)
		p.closedMu.Unlock()
	})
	p.asyncWg.Wait()
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("flush failed during close", "error", err)
	}

	p.conn.Close()
	return nil
}

// Stats returns publish counters.
func (p *NATSPublisher) Stats() (published, errors, asyncDropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishCount, p.errorCount, p.asyncDropped
}
