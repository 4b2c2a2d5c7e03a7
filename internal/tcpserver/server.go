// Package tcpserver streams source plugins over plain TCP as
// newline-delimited JSON.
package tcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/session"
)

const (
	// DefaultMaxRequestSize is the default maximum size (in bytes) of the request line.
	DefaultMaxRequestSize = 64 * 1024

	// DefaultRequestTimeout bounds how long a client may take to send its request line.
	DefaultRequestTimeout = 10 * time.Second
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	MaxRequestSize int
	RequestTimeout time.Duration
	DefaultPlugin  string
	ChunkSize      int
	Logger         zerolog.Logger
}

// Server accepts one stream request per connection. The client sends a
// single line, either a JSON request or a bare plugin name, and receives
// one JSON message per line until the stream ends.
type Server struct {
	listener net.Listener
	addr     string
	sessions *session.Controller
	cfg      ServerConfig
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, sessions *session.Controller, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	cfg := ServerConfig{Logger: zerolog.Nop()}
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultPlugin == "" {
		cfg.DefaultPlugin = model.DefaultPlugin
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = model.DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		sessions: sessions,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "tcpserver").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

// streamRequest is the JSON form of the request line.
type streamRequest struct {
	Plugin    string `json:"plugin"`
	ChunkSize int    `json:"chunk_size"`
	Broadcast bool   `json:"broadcast"`
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, s.cfg.MaxRequestSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	line, err := reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Int("max", s.cfg.MaxRequestSize).Msg("request line too long")
			s.reject(conn, "request line too long")
			return
		}
		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("no request line")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := s.parseRequest(line)
	if err != nil {
		s.reject(conn, err.Error())
		return
	}

	s.sessions.Serve(s.ctx, connmgr.LineHandshake(conn, reader), req)
}

func (s *Server) parseRequest(line []byte) (session.Request, error) {
	req := session.Request{Plugin: s.cfg.DefaultPlugin, ChunkSize: s.cfg.ChunkSize}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return req, nil
	}
	if line[0] != '{' {
		req.Plugin = strings.TrimSpace(string(line))
		return req, nil
	}

	var sr streamRequest
	if err := json.Unmarshal(line, &sr); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if sr.Plugin != "" {
		req.Plugin = sr.Plugin
	}
	if sr.ChunkSize > 0 {
		req.ChunkSize = model.ClampChunkSize(sr.ChunkSize)
	}
	req.Broadcast = sr.Broadcast
	return req, nil
}

// reject answers a connection that never became a session.
func (s *Server) reject(conn net.Conn, reason string) {
	data, err := json.Marshal(model.ErrorMessage(reason, nil))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	_, _ = conn.Write(append(data, '\n'))
}

// Stop ends running sessions and shuts down the TCP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
