package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/datastream/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/datastream/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Datastream - Chunked Data Streaming Server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// legacyEnv maps config keys to the bare variable names older deployments
// export alongside the DATASTREAM_ ones.
var legacyEnv = map[string]string{
	"db-host":     "DB_HOST",
	"db-port":     "DB_PORT",
	"db-name":     "DB_NAME",
	"db-user":     "DB_USER",
	"db-password": "DB_PASSWORD",
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	shareDir := filepath.Join(home, ".local", "share", "datastream")

	v := viper.New()
	v.SetEnvPrefix("DATASTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for key, legacy := range legacyEnv {
		envKey := "DATASTREAM_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return cfg, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("tcp-enabled", false)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("chunk-size", defaultChunkSize)
	v.SetDefault("chunk-delay", defaultChunkDelay)
	v.SetDefault("chunk-markers", true)
	v.SetDefault("write-timeout", defaultWriteTimeout)
	v.SetDefault("default-plugin", defaultPlugin)
	v.SetDefault("data-dir", filepath.Join(shareDir, "data"))
	v.SetDefault("manifest-path", filepath.Join(home, ".config", "datastream", "plugins.yml"))
	v.SetDefault("db-driver", defaultDBDriver)
	v.SetDefault("db-host", defaultDBHost)
	v.SetDefault("db-port", defaultDBPort)
	v.SetDefault("db-name", filepath.Join(shareDir, "datastream.duckdb"))
	v.SetDefault("demo-enabled", true)
	v.SetDefault("demo-rows", defaultDemoRows)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "datastream", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.DataDir, &cfg.ManifestPath, &cfg.SocketPath, &cfg.DBName} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}
