// Package connmgr tracks live client connections and mediates every
// outbound message, one client at a time or broadcast to all.
package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/model"
)

// DefaultWriteTimeout bounds a single write to one client.
const DefaultWriteTimeout = 10 * time.Second

// Config holds tunable parameters for the Manager.
type Config struct {
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	// Registerer receives the manager's collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Client is one accepted connection. Its context is cancelled when the peer
// goes away or the client is disconnected.
type Client struct {
	id          string
	transport   Transport
	remoteAddr  string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Context is done once the client can no longer receive messages.
func (c *Client) Context() context.Context { return c.ctx }

// Closed reports whether the client has been disconnected.
func (c *Client) Closed() bool { return c.closed.Load() }

// ClientSnapshot is a point-in-time description of a client.
type ClientSnapshot struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Manager owns the connection set. The set keeps connect order.
type Manager struct {
	mu      sync.RWMutex
	clients []*Client

	writeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *Metrics
}

// NewManager creates a connection manager.
func NewManager(conf ...Config) *Manager {
	cfg := Config{Logger: zerolog.Nop()}
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Manager{
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.With().Str("component", "connmgr").Logger(),
		metrics:      newMetrics(cfg.Registerer),
	}
}

// Accept completes the handshake and only then adds the client to the set.
// A failed handshake leaves the set untouched. ctx bounds the client's lifetime.
func (m *Manager) Accept(ctx context.Context, handshake Handshake) (*Client, error) {
	transport, err := handshake()
	if err != nil {
		if m.metrics != nil {
			m.metrics.handshakeFailures.Inc()
		}
		return nil, fmt.Errorf("connmgr: handshake: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		id:          uuid.NewString(),
		transport:   transport,
		remoteAddr:  transport.RemoteAddr(),
		connectedAt: time.Now(),
		ctx:         cctx,
		cancel:      cancel,
	}

	m.mu.Lock()
	m.clients = append(m.clients, c)
	count := len(m.clients)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.accepted.Inc()
		m.metrics.clientsConnected.Set(float64(count))
	}
	m.logger.Debug().Str("client", c.id).Str("remote", c.remoteAddr).Int("clients", count).Msg("client connected")

	go m.readLoop(c)
	return c, nil
}

// readLoop drains inbound messages so disconnects are noticed promptly.
func (m *Manager) readLoop(c *Client) {
	defer c.cancel()
	for {
		if _, err := c.transport.ReadMessage(); err != nil {
			if !c.Closed() {
				m.logger.Debug().Str("client", c.id).Err(err).Msg("peer went away")
			}
			return
		}
	}
}

// Disconnect removes c from the set and closes its transport. It is a no-op
// for clients already disconnected.
func (m *Manager) Disconnect(c *Client) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		m.mu.Lock()
		m.clients = slices.DeleteFunc(m.clients, func(other *Client) bool { return other == c })
		count := len(m.clients)
		m.mu.Unlock()

		_ = c.transport.Close()

		if m.metrics != nil {
			m.metrics.disconnected.Inc()
			m.metrics.clientsConnected.Set(float64(count))
		}
		m.logger.Debug().Str("client", c.id).Int("clients", count).Msg("client disconnected")
	})
}

// SendTo delivers msg to exactly one client. A failed write returns a
// *DeliveryError and removes the client from the set.
func (m *Manager) SendTo(ctx context.Context, c *Client, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("connmgr: encode message: %w", err)
	}
	if err := m.write(c, data, msg.Kind()); err != nil {
		m.Disconnect(c)
		return err
	}
	return nil
}

// Broadcast delivers msg to every client in the set, concurrently and
// independently. Clients that fail are removed after the fan-out. It returns
// the number of successful deliveries.
func (m *Manager) Broadcast(ctx context.Context, msg model.Message) int {
	if ctx.Err() != nil {
		return 0
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Msg("broadcast: encode message")
		return 0
	}

	start := time.Now()
	targets := m.snapshot()

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
		failedMu  sync.Mutex
		failed    []*Client
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := m.write(c, data, msg.Kind()); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
				return
			}
			delivered.Add(1)
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		m.Disconnect(c)
	}

	if m.metrics != nil {
		m.metrics.broadcastDuration.Observe(time.Since(start).Seconds())
	}
	return int(delivered.Load())
}

func (m *Manager) write(c *Client, data []byte, kind string) error {
	if c.Closed() || c.ctx.Err() != nil {
		m.recordFailure(c, ErrClientClosed)
		return &DeliveryError{ClientID: c.id, Err: ErrClientClosed}
	}

	c.writeMu.Lock()
	err := c.transport.Write(data, time.Now().Add(m.writeTimeout))
	c.writeMu.Unlock()

	if err != nil {
		m.recordFailure(c, err)
		return &DeliveryError{ClientID: c.id, Err: err}
	}
	if m.metrics != nil {
		m.metrics.messagesSent.WithLabelValues(kind).Inc()
		m.metrics.bytesSent.Add(float64(len(data)))
	}
	return nil
}

func (m *Manager) recordFailure(c *Client, err error) {
	if m.metrics != nil {
		m.metrics.deliveryErrors.Inc()
	}
	m.logger.Warn().Str("client", c.id).Err(err).Msg("delivery failed")
}

func (m *Manager) snapshot() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// Contains reports whether c is in the connection set.
func (m *Manager) Contains(c *Client) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.clients, c)
}

// Count returns the number of tracked clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Clients describes tracked clients in connect order.
func (m *Manager) Clients() []ClientSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientSnapshot, len(m.clients))
	for i, c := range m.clients {
		out[i] = ClientSnapshot{ID: c.id, RemoteAddr: c.remoteAddr, ConnectedAt: c.connectedAt}
	}
	return out
}

// CloseAll disconnects every client.
func (m *Manager) CloseAll() {
	for _, c := range m.snapshot() {
		m.Disconnect(c)
	}
}
