package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
)

const defaultCallTimeout = 30 * time.Second

// Client implements Admin over a Unix domain socket using JSON-RPC 2.0.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

var _ Admin = (*Client)(nil)

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
// The call deadline is ctx's deadline, or 30s when ctx has none.
func (c *Client) call(ctx context.Context, method string, params any, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return fmt.Errorf("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}
	if resp.ID != id {
		return fmt.Errorf("socketrpc: response id %d, want %d", resp.ID, id)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) ListPlugins(ctx context.Context) ([]string, error) {
	var result []string
	err := c.call(ctx, "ListPlugins", map[string]any{}, &result)
	return result, err
}

func (c *Client) SourceInfo(ctx context.Context, name string) (model.SourceInfo, error) {
	var result model.SourceInfo
	err := c.call(ctx, "SourceInfo", map[string]any{"Name": name}, &result)
	return result, err
}

func (c *Client) RegisterFile(ctx context.Context, name, path string) error {
	return c.call(ctx, "RegisterFile", map[string]any{"Name": name, "Path": path}, nil)
}

func (c *Client) RegisterDatabase(ctx context.Context, name, table, orderBy string) error {
	return c.call(ctx, "RegisterDatabase", map[string]any{
		"Name":    name,
		"Table":   table,
		"OrderBy": orderBy,
	}, nil)
}

func (c *Client) Broadcast(ctx context.Context, message string) (int, error) {
	var result BroadcastResult
	err := c.call(ctx, "Broadcast", map[string]any{"Message": message}, &result)
	return result.Delivered, err
}

func (c *Client) Connections(ctx context.Context) ([]connmgr.ClientSnapshot, error) {
	var result []connmgr.ClientSnapshot
	err := c.call(ctx, "Connections", map[string]any{}, &result)
	return result, err
}
