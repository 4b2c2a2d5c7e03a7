package model

// Status and marker values carried in outbound messages.
const (
	StatusConnected   = "connected"
	ChunkCompleteText = "chunk complete"
)

// Message is one structured message sent to a client over its session channel.
// Exactly one group of fields is populated per message:
//
//	{status: "connected", source_info: {...}}   once, at session start
//	{data: [...]}                               per non-empty chunk
//	{message: "chunk complete"}                 after each chunk
//	{error: "...", available_plugins: [...]}    on failure
type Message struct {
	Status           string      `json:"status,omitempty"`
	SourceInfo       *SourceInfo `json:"source_info,omitempty"`
	Data             Chunk       `json:"data,omitempty"`
	Message          string      `json:"message,omitempty"`
	Error            string      `json:"error,omitempty"`
	AvailablePlugins []string    `json:"available_plugins,omitempty"`
}

// ConnectedMessage confirms a session and carries the plugin's SourceInfo.
func ConnectedMessage(info SourceInfo) Message {
	return Message{Status: StatusConnected, SourceInfo: &info}
}

// DataMessage wraps one non-empty chunk.
func DataMessage(chunk Chunk) Message {
	return Message{Data: chunk}
}

// ChunkCompleteMessage marks the end of one chunk.
func ChunkCompleteMessage() Message {
	return Message{Message: ChunkCompleteText}
}

// ErrorMessage reports a failure. available may be nil.
func ErrorMessage(err string, available []string) Message {
	return Message{Error: err, AvailablePlugins: available}
}

// Kind returns a short label for logs and metrics.
func (m Message) Kind() string {
	switch {
	case m.Error != "":
		return "error"
	case m.Status != "":
		return "status"
	case m.Data != nil:
		return "data"
	case m.Message != "":
		return "marker"
	default:
		return "empty"
	}
}
