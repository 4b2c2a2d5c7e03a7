package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/demo"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/source"
)

const (
	defaultBindHost      = "127.0.0.1"
	defaultAPIPort       = 8000
	defaultTCPPort       = 4000
	defaultChunkSize     = model.DefaultChunkSize
	defaultChunkDelay    = model.DefaultChunkDelay
	defaultWriteTimeout  = 10 * time.Second
	defaultPlugin        = model.DefaultPlugin
	defaultDBDriver      = source.DriverDuckDB
	defaultDBHost        = "localhost"
	defaultDBPort        = 5432
	defaultDemoRows      = demo.DefaultRows
	defaultSampleItems   = demo.DefaultSampleItems
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
	sampleFileName       = "sample.json"
	defaultDatabaseTable = demo.Table
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIEnabled    bool          `mapstructure:"api-enabled"`
	APIPort       int           `mapstructure:"api-port"`
	APIAddr       string        `mapstructure:"api-addr"`
	TCPEnabled    bool          `mapstructure:"tcp-enabled"`
	TCPPort       int           `mapstructure:"tcp-port"`
	TCPAddr       string        `mapstructure:"tcp-addr"`
	SocketPath    string        `mapstructure:"socket-path"`
	ChunkSize     int           `mapstructure:"chunk-size"`
	ChunkDelay    time.Duration `mapstructure:"chunk-delay"`
	ChunkMarkers  bool          `mapstructure:"chunk-markers"`
	WriteTimeout  time.Duration `mapstructure:"write-timeout"`
	DefaultPlugin string        `mapstructure:"default-plugin"`
	DataDir       string        `mapstructure:"data-dir"`
	ManifestPath  string        `mapstructure:"manifest-path"`
	DBDriver      string        `mapstructure:"db-driver"`
	DBHost        string        `mapstructure:"db-host"`
	DBPort        int           `mapstructure:"db-port"`
	DBName        string        `mapstructure:"db-name"`
	DBUser        string        `mapstructure:"db-user"`
	DBPassword    string        `mapstructure:"db-password"`
	DBDSN         string        `mapstructure:"db-dsn"`
	DemoEnabled   bool          `mapstructure:"demo-enabled"`
	DemoRows      int           `mapstructure:"demo-rows"`
	LogLevel      string        `mapstructure:"log-level"`
	LogFormat     string        `mapstructure:"log-format"`
	ConfigPath    string        `mapstructure:"-"` // not from config file
}

// dbConfig returns the default database descriptor for table plugins.
func (c appConfig) dbConfig() source.DBConfig {
	return source.DBConfig{
		Driver:   c.DBDriver,
		Host:     c.DBHost,
		Port:     c.DBPort,
		Name:     c.DBName,
		User:     c.DBUser,
		Password: c.DBPassword,
		DSN:      c.DBDSN,
	}
}

func (c appConfig) validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", c.TCPPort)
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		return fmt.Errorf("invalid db-port: %d", c.DBPort)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk-size: %d", c.ChunkSize)
	}
	if c.ChunkDelay < 0 {
		return fmt.Errorf("invalid chunk-delay: %s", c.ChunkDelay)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("invalid write-timeout: %s", c.WriteTimeout)
	}
	if c.DemoRows < 0 {
		return fmt.Errorf("invalid demo-rows: %d", c.DemoRows)
	}
	if !source.ValidDriver(c.DBDriver) {
		return fmt.Errorf("invalid db-driver: %q", c.DBDriver)
	}
	if c.DefaultPlugin == "" {
		return fmt.Errorf("default-plugin must not be empty")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log-level: %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log-format: %q", c.LogFormat)
	}
	return nil
}
