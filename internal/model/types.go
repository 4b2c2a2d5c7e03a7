package model

// Record is one source record. File and table plugins emit JSON objects
// (map[string]any); a scalar JSON document is emitted as-is.
type Record = any

// Chunk is an ordered batch of records. Every chunk of a stream holds exactly
// the requested number of records except the last, which may hold fewer.
type Chunk []Record

// ColumnInfo describes one column of a table-backed source.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SourceInfo is descriptive metadata about a source plugin. It is queryable
// independently of streaming; backend failures are reported through Error.
type SourceInfo struct {
	Type        string       `json:"type"`
	Location    string       `json:"location"`
	Format      string       `json:"format,omitempty"`
	Driver      string       `json:"driver,omitempty"`
	Exists      bool         `json:"exists"`
	Size        int64        `json:"size,omitempty"`
	RecordCount int64        `json:"record_count"`
	Columns     []ColumnInfo `json:"columns,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Source type tags reported in SourceInfo.Type.
const (
	SourceTypeFile     = "file"
	SourceTypeDatabase = "database"
)
