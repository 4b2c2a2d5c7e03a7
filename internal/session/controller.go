// Package session drives one client's interaction with one source plugin:
// accept, resolve, confirm, stream, clean up.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/registry"
)

// ErrPluginNotFound is reported when a request names an unregistered plugin.
var ErrPluginNotFound = errors.New("session: plugin not found")

// ErrSessionPanic wraps a panic recovered while serving a session.
var ErrSessionPanic = errors.New("session: panic")

// State is a stage of the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnected
	StateStreaming
	StateCompleted
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request names the plugin to stream and how.
type Request struct {
	Plugin    string
	ChunkSize int
	// Broadcast sends data and markers to every connected client.
	Broadcast bool
}

// Result summarises a finished session.
type Result struct {
	State   State
	Chunks  int
	Records int
	Err     error
}

// Config tunes the controller.
type Config struct {
	// DisableMarkers suppresses the per-chunk completion message.
	DisableMarkers bool
	Logger         zerolog.Logger
}

// Controller runs sessions against a shared registry and connection manager.
type Controller struct {
	registry *registry.Registry
	conns    *connmgr.Manager
	markers  bool
	logger   zerolog.Logger
}

// NewController creates a session controller.
func NewController(reg *registry.Registry, conns *connmgr.Manager, conf ...Config) *Controller {
	cfg := Config{Logger: zerolog.Nop()}
	if len(conf) > 0 {
		cfg = conf[0]
	}
	return &Controller{
		registry: reg,
		conns:    conns,
		markers:  !cfg.DisableMarkers,
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
	}
}

// Serve accepts the client through handshake and streams the requested
// plugin to it. It returns once the stream is exhausted, the client leaves,
// ctx ends, or an error occurs. The client is always disconnected on return.
func (c *Controller) Serve(ctx context.Context, handshake connmgr.Handshake, req Request) Result {
	res := c.serve(ctx, handshake, req)

	ev := c.logger.Info()
	if res.State == StateFailed {
		ev = c.logger.Warn()
	}
	ev.Str("plugin", req.Plugin).
		Str("state", res.State.String()).
		Int("chunks", res.Chunks).
		Int("records", res.Records).
		Bool("broadcast", req.Broadcast).
		AnErr("error", res.Err).
		Msg("session finished")
	return res
}

func (c *Controller) serve(ctx context.Context, handshake connmgr.Handshake, req Request) (res Result) {
	res.State = StateIdle
	client, err := c.conns.Accept(ctx, handshake)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		return res
	}
	defer c.conns.Disconnect(client)

	// A panicking plugin fails only its own session.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("plugin", req.Plugin).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("session panicked")
			res.State = StateFailed
			res.Err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
			c.sendError(ctx, client, model.ErrorMessage("internal error while streaming "+req.Plugin, nil))
		}
	}()

	// Stop pulling chunks as soon as the peer goes away.
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(client.Context(), cancel)
	defer stop()

	res.State = StateResolving
	plugin, ok := c.registry.Resolve(req.Plugin)
	if !ok {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %s", ErrPluginNotFound, req.Plugin)
		msg := model.ErrorMessage("plugin not found: "+req.Plugin, c.registry.Names())
		c.sendError(ctx, client, msg)
		return res
	}

	if err := c.conns.SendTo(ctx, client, model.ConnectedMessage(plugin.SourceInfo(ctx))); err != nil {
		return c.fail(ctx, parent, client, res, err)
	}
	res.State = StateConnected

	start := time.Now()
	res.State = StateStreaming
	for chunk, err := range plugin.StreamChunks(ctx, req.ChunkSize) {
		if err != nil {
			return c.fail(ctx, parent, client, res, err)
		}
		if len(chunk) > 0 {
			if err := c.deliver(ctx, client, req.Broadcast, model.DataMessage(chunk)); err != nil {
				return c.fail(ctx, parent, client, res, err)
			}
		}
		res.Chunks++
		res.Records += len(chunk)
		if c.markers {
			if err := c.deliver(ctx, client, req.Broadcast, model.ChunkCompleteMessage()); err != nil {
				return c.fail(ctx, parent, client, res, err)
			}
		}
	}

	// The plugin ends its sequence quietly on cancellation. The client
	// context derives from parent, so parent is checked first.
	if err := parent.Err(); err != nil {
		res.State = StateFailed
		res.Err = err
		return res
	}
	if client.Context().Err() != nil {
		res.State = StateDisconnected
		return res
	}

	res.State = StateCompleted
	c.logger.Debug().Str("plugin", req.Plugin).Dur("elapsed", time.Since(start)).Msg("stream exhausted")
	return res
}

// deliver sends msg to the session's client, or to every client when
// broadcasting. A broadcast that did not reach the session's own client
// counts as that client being gone.
func (c *Controller) deliver(ctx context.Context, client *connmgr.Client, broadcast bool, msg model.Message) error {
	if !broadcast {
		return c.conns.SendTo(ctx, client, msg)
	}
	c.conns.Broadcast(ctx, msg)
	if !c.conns.Contains(client) || client.Context().Err() != nil {
		return &connmgr.DeliveryError{ClientID: client.ID(), Err: connmgr.ErrClientClosed}
	}
	return nil
}

// fail classifies err. Shutdown of parent fails the session without a
// message, a client that is gone ends it quietly, and anything else gets one
// best-effort error message.
func (c *Controller) fail(ctx, parent context.Context, client *connmgr.Client, res Result, err error) Result {
	if perr := parent.Err(); perr != nil {
		res.State = StateFailed
		res.Err = perr
		return res
	}
	var de *connmgr.DeliveryError
	if errors.As(err, &de) || client.Context().Err() != nil {
		c.logger.Debug().Str("client", client.ID()).Err(err).Msg("client gone mid-session")
		res.State = StateDisconnected
		return res
	}
	res.State = StateFailed
	res.Err = err
	c.sendError(ctx, client, model.ErrorMessage(err.Error(), nil))
	return res
}

func (c *Controller) sendError(ctx context.Context, client *connmgr.Client, msg model.Message) {
	if ctx.Err() != nil {
		// The session context is done; still try to tell the client why.
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.conns.SendTo(ctx, client, msg); err != nil {
		c.logger.Debug().Str("client", client.ID()).Err(err).Msg("error message not delivered")
	}
}
