package model

import "time"

// Shared defaults used by the server, the plugins and the admin CLI.
const (
	DefaultChunkSize  = 10
	DefaultChunkDelay = 500 * time.Millisecond
	DefaultPlugin     = "example_json"

	// MaxChunkSize caps the chunk size a client may request.
	MaxChunkSize = 10_000
)

// ClampChunkSize maps a requested chunk size onto 1..MaxChunkSize. Values
// below 1 select DefaultChunkSize.
func ClampChunkSize(n int) int {
	if n < 1 {
		return DefaultChunkSize
	}
	return min(n, MaxChunkSize)
}
