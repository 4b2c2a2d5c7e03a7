package socketrpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes Admin over a Unix domain socket.
// Each method maps 1:1 to the Admin interface.
//
//   Method              Params                                   Result
//   ────────────────    ───────────────────────────────────────   ─────────────────────────
//   ListPlugins         (none)                                   []string
//   SourceInfo          {Name: string}                           model.SourceInfo
//   RegisterFile        {Name: string, Path: string}             RegisterResult
//   RegisterDatabase    {Name: string, Table: string,            RegisterResult
//                        OrderBy: string}
//   Broadcast           {Message: string}                        BroadcastResult
//   Connections         (none)                                   []connmgr.ClientSnapshot
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (unknown plugin, rejected registration)

// Admin is the administrative surface of a running server.
type Admin interface {
	ListPlugins(ctx context.Context) ([]string, error)
	SourceInfo(ctx context.Context, name string) (model.SourceInfo, error)
	RegisterFile(ctx context.Context, name, path string) error
	RegisterDatabase(ctx context.Context, name, table, orderBy string) error
	// Broadcast sends a text notice to every connected client and returns
	// the number of deliveries.
	Broadcast(ctx context.Context, message string) (int, error)
	Connections(ctx context.Context) ([]connmgr.ClientSnapshot, error)
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// RegisterResult acknowledges a registration.
type RegisterResult struct {
	Plugin string `json:"plugin"`
}

// BroadcastResult reports how many clients received a broadcast.
type BroadcastResult struct {
	Delivered int `json:"delivered"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/datastream/datastream.sock, falling back to
// ~/.local/state/datastream/datastream.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "datastream", "datastream.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/datastream.sock"
	}
	return filepath.Join(home, ".local", "state", "datastream", "datastream.sock")
}
