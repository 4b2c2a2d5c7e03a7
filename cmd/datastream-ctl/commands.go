package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/datastream/internal/socketrpc"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

type command struct {
	admin socketrpc.Admin
	out   io.Writer
	json  bool
}

func (c command) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	name, rest := args[0], args[1:]
	switch name {
	case "plugins":
		return c.plugins(ctx)
	case "info":
		if len(rest) != 1 {
			return fmt.Errorf("usage: info <name>")
		}
		return c.info(ctx, rest[0])
	case "register-file":
		if len(rest) != 2 {
			return fmt.Errorf("usage: register-file <name> <path>")
		}
		if err := c.admin.RegisterFile(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		return c.print(socketrpc.RegisterResult{Plugin: rest[0]}, "registered "+rest[0])
	case "register-db":
		if len(rest) < 2 || len(rest) > 3 {
			return fmt.Errorf("usage: register-db <name> <table> [order-by]")
		}
		orderBy := ""
		if len(rest) == 3 {
			orderBy = rest[2]
		}
		if err := c.admin.RegisterDatabase(ctx, rest[0], rest[1], orderBy); err != nil {
			return err
		}
		return c.print(socketrpc.RegisterResult{Plugin: rest[0]}, "registered "+rest[0])
	case "broadcast":
		if len(rest) == 0 {
			return fmt.Errorf("usage: broadcast <message>")
		}
		n, err := c.admin.Broadcast(ctx, strings.Join(rest, " "))
		if err != nil {
			return err
		}
		return c.print(socketrpc.BroadcastResult{Delivered: n}, fmt.Sprintf("delivered to %d client(s)", n))
	case "connections":
		return c.connections(ctx)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (c command) plugins(ctx context.Context) error {
	names, err := c.admin.ListPlugins(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.encode(names)
	}
	fmt.Fprintln(c.out, headerStyle.Render(fmt.Sprintf("Plugins (%d)", len(names))))
	for _, n := range names {
		fmt.Fprintf(c.out, "  %s\n", n)
	}
	return nil
}

func (c command) info(ctx context.Context, name string) error {
	info, err := c.admin.SourceInfo(ctx, name)
	if err != nil {
		return err
	}
	if c.json {
		return c.encode(info)
	}
	fmt.Fprintln(c.out, headerStyle.Render(name))
	row := func(label string, value any) {
		fmt.Fprintf(c.out, "  %s %v\n", labelStyle.Render(fmt.Sprintf("%-9s", label)), value)
	}
	row("type", info.Type)
	row("location", info.Location)
	if info.Format != "" {
		row("format", info.Format)
	}
	if info.Driver != "" {
		row("driver", info.Driver)
	}
	row("exists", info.Exists)
	row("records", info.RecordCount)
	for _, col := range info.Columns {
		row("column", col.Name+" "+col.Type)
	}
	if info.Error != "" {
		fmt.Fprintf(c.out, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", "error")), errStyle.Render(info.Error))
	}
	return nil
}

func (c command) connections(ctx context.Context) error {
	clients, err := c.admin.Connections(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.encode(clients)
	}
	fmt.Fprintln(c.out, headerStyle.Render(fmt.Sprintf("Connections (%d)", len(clients))))
	for _, cl := range clients {
		fmt.Fprintf(c.out, "  %s  %-21s  %s\n", cl.ID, cl.RemoteAddr, labelStyle.Render(time.Since(cl.ConnectedAt).Round(time.Second).String()))
	}
	return nil
}

func (c command) print(result any, text string) error {
	if c.json {
		return c.encode(result)
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c command) encode(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
