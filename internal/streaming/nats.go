package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/pkg/logger"
)

const subjectRoot = "coverage"

// NATSPublisher handles publishing coverage events to NATS JetStream
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config config.NATSConfig
	logger *logger.Logger

	mu        sync.RWMutex
	connected bool
}

// NewNATSPublisher creates a new NATS publisher
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	log = log.WithComponent("nats")

	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "RULEFORGE_COVERAGE"
	}

	log.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("ruleforge-lab"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Detection coverage events",
		Subjects:    []string{subjectRoot + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      72 * time.Hour,
		MaxMsgs:     100000,
		MaxBytes:    100 * 1024 * 1024,
		Discard:     jetstream.DiscardOld,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("NATS stream ready")

	return &NATSPublisher{
		conn:      conn,
		js:        js,
		stream:    stream,
		config:    cfg,
		logger:    log,
		connected: true,
	}, nil
}

// Close closes the NATS connection
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.connected = false
	}
}

// IsConnected returns whether NATS is connected
func (p *NATSPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.conn.IsConnected()
}

// Publish publishes a coverage event to JetStream
func (p *NATSPublisher) Publish(ctx context.Context, event *CoverageEvent) error {
	if !p.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}

	subject := eventSubject(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug().
		Str("subject", subject).
		Str("event_type", string(event.Type)).
		Str("library_id", event.LibraryID).
		Msg("published coverage event")

	return nil
}

// eventSubject returns coverage.<event_type>.<library_id>
func eventSubject(event *CoverageEvent) string {
	library := event.LibraryID
	if library == "" {
		library = "none"
	}
	return fmt.Sprintf("%s.%s.%s", subjectRoot, event.Type, library)
}

// subscriptionSubject narrows the consumer filter when the subscription allows it
func subscriptionSubject(sub *Subscription) string {
	if sub == nil {
		return subjectRoot + ".>"
	}

	eventType := "*"
	if len(sub.Types) == 1 {
		eventType = string(sub.Types[0])
	}
	library := "*"
	if len(sub.LibraryIDs) == 1 {
		library = sub.LibraryIDs[0]
	}
	if eventType == "*" && library == "*" {
		return subjectRoot + ".>"
	}
	return fmt.Sprintf("%s.%s.%s", subjectRoot, eventType, library)
}

// Subscribe creates an ephemeral consumer delivering new events matching sub
func (p *NATSPublisher) Subscribe(ctx context.Context, sub *Subscription) (<-chan *CoverageEvent, error) {
	if !p.IsConnected() {
		return nil, fmt.Errorf("NATS not connected")
	}

	consumerCfg := jetstream.ConsumerConfig{
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		FilterSubject: subscriptionSubject(sub),
	}

	consumer, err := p.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgs, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages iterator: %w", err)
	}

	eventCh := make(chan *CoverageEvent, 100)

	go func() {
		<-ctx.Done()
		msgs.Stop()
	}()

	go func() {
		defer close(eventCh)

		for {
			msg, err := msgs.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					return
				}
				p.logger.Warn().Err(err).Msg("error getting next message")
				continue
			}

			var event CoverageEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				p.logger.Warn().Err(err).Msg("failed to unmarshal event")
				_ = msg.Term()
				continue
			}

			if !sub.Matches(&event) {
				_ = msg.Ack()
				continue
			}

			select {
			case eventCh <- &event:
				_ = msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventCh, nil
}
