package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
)

var (
	ErrClosed    = errors.New("publisher closed")
	ErrQueueFull = errors.New("publish queue full")
)

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	QueueSize     int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "race.events",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		QueueSize:     1024,
	}
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// NATSPublisher forwards room lifecycle events to NATS. Publish only
// enqueues; a single goroutine writes to the connection so the caller,
// which holds a room lock, never waits on the network.
type NATSPublisher struct {
	conn   Conn
	prefix string

	mu     sync.RWMutex
	closed bool
	queue  chan *nats.Msg
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("bench2bench"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", cfg.SubjectPrefix).
		Msg("lifecycle publisher connected to NATS")

	return newPublisher(nc, cfg.SubjectPrefix, cfg.QueueSize), nil
}

func newPublisher(conn Conn, prefix string, queueSize int) *NATSPublisher {
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		queue:  make(chan *nats.Msg, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues event for delivery. It fails fast with ErrQueueFull
// rather than block when the bus is falling behind.
func (p *NATSPublisher) Publish(ctx context.Context, event events.LifecycleEvent) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%s for room %s: %w", event.Kind, event.RoomID, ErrQueueFull)
	}
}

type envelope struct {
	EventID   string               `json:"eventId"`
	EventType events.LifecycleKind `json:"eventType"`
	RoomID    string               `json:"roomId"`
	Round     int                  `json:"round"`
	Timestamp time.Time            `json:"timestamp"`
	Payload   interface{}          `json:"payload,omitempty"`
}

func (p *NATSPublisher) message(event events.LifecycleEvent) (*nats.Msg, error) {
	eventID := uuid.NewString()
	data, err := json.Marshal(envelope{
		EventID:   eventID,
		EventType: event.Kind,
		RoomID:    event.RoomID,
		Round:     event.Round,
		Timestamp: event.OccurredAt.UTC(),
		Payload:   event.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{
		Subject: Subject(p.prefix, event.RoomID, event.Kind),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(event.Kind)},
			"Room-ID":    []string{event.RoomID},
			"Event-ID":   []string{eventID},
			"Round":      []string{strconv.Itoa(event.Round)},
		},
	}, nil
}

func (p *NATSPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.conn.PublishMsg(msg); err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject).
				Msg("failed to publish lifecycle event")
			continue
		}
		p.published.Add(1)
		log.Debug().
			Str("subject", msg.Subject).
			Int("size", len(msg.Data)).
			Msg("published lifecycle event")
	}
}

// Close stops accepting events, flushes the queue and drains the connection.
func (p *NATSPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		log.Warn().
			Int("pending", len(p.queue)).
			Msg("lifecycle publisher closed before queue flushed")
	}

	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Stats reports delivery counters.
func (p *NATSPublisher) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}

// Subject returns prefix.roomID.kind with NATS token separators and
// wildcards in roomID replaced, so a client-chosen room id always maps to
// exactly one subject token.
func Subject(prefix, roomID string, kind events.LifecycleKind) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, roomID)
	if token == "" {
		token = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, token, kind)
}
