package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/demo"
	"github.com/tinytelemetry/datastream/internal/manifest"
	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/source"
)

// SourcePlugin is a small plugin primitive for wiring built-in sources.
type SourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context, b source.Builder) (source.Plugin, error)
}

// SourcePluginConfig defines which built-in sources are registered.
type SourcePluginConfig struct {
	DemoEnabled bool
	DemoRows    int
	DBEnabled   bool
	Logger      zerolog.Logger
}

func buildSourcePlugins(cfg SourcePluginConfig) []SourcePlugin {
	plugins := make([]SourcePlugin, 0, 2)
	plugins = append(plugins, sampleFilePlugin{
		name:   defaultPlugin,
		file:   sampleFileName,
		items:  defaultSampleItems,
		create: cfg.DemoEnabled,
	})
	plugins = append(plugins, tablePlugin{
		name:    "database_table",
		table:   defaultDatabaseTable,
		orderBy: "id",
		enabled: cfg.DBEnabled,
		seed:    cfg.DemoEnabled,
		rows:    cfg.DemoRows,
		logger:  cfg.Logger,
	})
	return plugins
}

type sampleFilePlugin struct {
	name   string
	file   string
	items  int
	create bool
}

func (p sampleFilePlugin) Name() string { return p.name }

func (p sampleFilePlugin) Enabled() bool { return true }

// Build registers the sample file even when it is absent; a missing file
// streams nothing.
func (p sampleFilePlugin) Build(_ context.Context, b source.Builder) (source.Plugin, error) {
	plugin, err := b.File(p.file)
	if err != nil {
		return nil, err
	}
	if p.create {
		if _, err := demo.EnsureSample(plugin.Path(), p.items); err != nil {
			return nil, err
		}
	}
	return plugin, nil
}

type tablePlugin struct {
	name    string
	table   string
	orderBy string
	enabled bool
	seed    bool
	rows    int
	logger  zerolog.Logger
}

func (p tablePlugin) Name() string { return p.name }

func (p tablePlugin) Enabled() bool { return p.enabled }

func (p tablePlugin) Build(ctx context.Context, b source.Builder) (source.Plugin, error) {
	if p.seed && b.DB.Driver != source.DriverPostgres {
		if _, err := demo.Seed(ctx, b.DB, p.rows, p.logger); err != nil {
			return nil, fmt.Errorf("seed %s: %w", p.table, err)
		}
	}
	return b.Database(p.table, p.orderBy)
}

// registerSources registers enabled built-ins and then the manifest, whose
// entries may replace built-ins of the same name. A missing manifest is not
// an error; built-ins that fail are logged and skipped.
func registerSources(ctx context.Context, reg *registry.Registry, b source.Builder, plugins []SourcePlugin, manifestPath string, logger zerolog.Logger) error {
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		p, err := plugin.Build(ctx, b)
		if err != nil {
			logger.Error().Err(err).Str("plugin", plugin.Name()).Msg("initializing source plugin")
			continue
		}
		if err := reg.Register(plugin.Name(), p); err != nil {
			return err
		}
	}

	if manifestPath == "" {
		return nil
	}
	m, err := manifest.Load(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.Apply(b, reg); err != nil {
		return err
	}
	logger.Info().Str("manifest", manifestPath).Int("plugins", len(m.Plugins)).Msg("manifest applied")
	return nil
}
