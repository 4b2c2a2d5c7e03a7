package socketrpc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/source"
)

// Service implements Admin against the live registry and connection set.
type Service struct {
	registry *registry.Registry
	conns    *connmgr.Manager
	builder  source.Builder
	logger   zerolog.Logger
}

var _ Admin = (*Service)(nil)

// NewService creates the in-process Admin implementation.
func NewService(reg *registry.Registry, conns *connmgr.Manager, builder source.Builder, logger zerolog.Logger) *Service {
	return &Service{
		registry: reg,
		conns:    conns,
		builder:  builder,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

func (s *Service) ListPlugins(context.Context) ([]string, error) {
	return s.registry.Names(), nil
}

func (s *Service) SourceInfo(ctx context.Context, name string) (model.SourceInfo, error) {
	plugin, ok := s.registry.Resolve(name)
	if !ok {
		return model.SourceInfo{}, fmt.Errorf("plugin not found: %s", name)
	}
	return plugin.SourceInfo(ctx), nil
}

func (s *Service) RegisterFile(_ context.Context, name, path string) error {
	plugin, err := s.builder.File(path)
	if err != nil {
		return err
	}
	return s.register(name, plugin)
}

func (s *Service) RegisterDatabase(_ context.Context, name, table, orderBy string) error {
	plugin, err := s.builder.Database(table, orderBy)
	if err != nil {
		return err
	}
	return s.register(name, plugin)
}

func (s *Service) register(name string, plugin source.Plugin) error {
	if err := s.registry.Register(name, plugin); err != nil {
		return err
	}
	s.logger.Info().Str("plugin", name).Msg("plugin registered")
	return nil
}

func (s *Service) Broadcast(ctx context.Context, message string) (int, error) {
	if message == "" {
		return 0, fmt.Errorf("empty message")
	}
	return s.conns.Broadcast(ctx, model.Message{Message: message}), nil
}

func (s *Service) Connections(context.Context) ([]connmgr.ClientSnapshot, error) {
	return s.conns.Clients(), nil
}
