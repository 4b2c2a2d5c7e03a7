package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinytelemetry/datastream/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var socketPath string
	var showVersion bool
	var jsonOut bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/datastream/config.yml)")
	flag.StringVar(&socketPath, "socket", "", "override socket path to connect to the datastream service")
	flag.BoolVar(&jsonOut, "json", false, "print raw JSON results")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("Datastream CTL - Admin Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadCtlConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to datastream service at %s: %v\nIs the service running? Start it with: datastream\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := command{admin: client, out: os.Stdout, json: jsonOut}
	if err := cmd.run(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: datastream-ctl [flags] <command> [args]

Commands:
  plugins                          list registered plugins
  info <name>                      describe a plugin's source
  register-file <name> <path>      register a file plugin
  register-db <name> <table> [col] register a database table plugin
  broadcast <message>              send a message to every connected client
  connections                      list connected clients

Flags:
`)
	flag.PrintDefaults()
}
