package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/httpserver"
	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/session"
	"github.com/tinytelemetry/datastream/internal/socketrpc"
	"github.com/tinytelemetry/datastream/internal/source"
	"github.com/tinytelemetry/datastream/internal/tcpserver"
)

// runServer wires sources, sessions and every enabled surface, then blocks
// until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := source.Builder{
		DataDir: cfg.DataDir,
		DB:      cfg.dbConfig(),
		Pacer:   source.Pacer{Delay: cfg.ChunkDelay},
		Logger:  logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg := registry.New()
	plugins := buildSourcePlugins(SourcePluginConfig{
		DemoEnabled: cfg.DemoEnabled,
		DemoRows:    cfg.DemoRows,
		DBEnabled:   cfg.DemoEnabled || cfg.DBDriver == source.DriverPostgres || cfg.DBDSN != "",
		Logger:      logger,
	})
	if err := registerSources(ctx, reg, builder, plugins, cfg.ManifestPath, logger); err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	conns := connmgr.NewManager(connmgr.Config{
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
		Registerer:   promReg,
	})
	defer conns.CloseAll()

	sessions := session.NewController(reg, conns, session.Config{
		DisableMarkers: !cfg.ChunkMarkers,
		Logger:         logger,
	})

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(httpserver.Config{
			Addr:          cfg.APIAddr,
			DefaultPlugin: cfg.DefaultPlugin,
			ChunkSize:     cfg.ChunkSize,
			Gatherer:      promReg,
			Logger:        logger,
		}, reg, conns, sessions, builder)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	if cfg.TCPEnabled {
		tcpServer := tcpserver.NewServer(cfg.TCPAddr, sessions, tcpserver.ServerConfig{
			DefaultPlugin: cfg.DefaultPlugin,
			ChunkSize:     cfg.ChunkSize,
			Logger:        logger,
		})
		if err := tcpServer.Start(); err != nil {
			return fmt.Errorf("failed to start TCP server: %w", err)
		}
		defer tcpServer.Stop()
	}

	admin := socketrpc.NewService(reg, conns, builder, logger)
	sockServer := socketrpc.NewServer(cfg.SocketPath, admin, logger)
	socketUp := true
	if err := sockServer.Start(); err != nil {
		logger.Warn().Err(err).Msg("failed to start socket server")
		socketUp = false
	} else {
		defer sockServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	printStartupBanner(cfg, reg.Names(), socketUp)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Debug().Int("clients", conns.Count()).Int("plugins", reg.Len()).Msg("status")
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("errgroup exited with error")
	}

	signal.Stop(sigCh)
	logger.Info().Msg("stopped")
	return nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig, plugins []string, socketUp bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	logo := cyan.Bold(true).Render(`
    ╔╦╗╔═╗╔╦╗╔═╗╔═╗╔╦╗╦═╗╔═╗╔═╗╔╦╗
     ║║╠═╣ ║ ╠═╣╚═╗ ║ ╠╦╝║╣ ╠═╣║║║
    ═╩╝╩ ╩ ╩ ╩ ╩╚═╝ ╩ ╩╚═╚═╝╩ ╩╩ ╩`)

	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Endpoints"), "")
	lines = append(lines, status(cfg.APIEnabled, "WebSocket", "ws://"+cfg.APIAddr+"/ws"))
	lines = append(lines, status(cfg.APIEnabled, "HTTP API", cfg.APIAddr))
	lines = append(lines, status(cfg.TCPEnabled, "TCP Stream", cfg.TCPAddr))
	lines = append(lines, status(socketUp, "Unix Socket", shortenPath(cfg.SocketPath)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Sources"), "")
	if len(plugins) == 0 {
		lines = append(lines, fmt.Sprintf("    %s  %s", dot, dim.Render("none registered")))
	}
	for _, name := range plugins {
		marker := ""
		if name == cfg.DefaultPlugin {
			marker = yellow.Render(" (default)")
		}
		lines = append(lines, fmt.Sprintf("    %s  %s%s", check, name, marker))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Streaming"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Chunk Size", dim.Render(fmt.Sprint(cfg.ChunkSize))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Chunk Delay", dim.Render(cfg.ChunkDelay.String())))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Data Dir", dim.Render(shortenPath(cfg.DataDir))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Database", dim.Render(cfg.DBDriver)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
