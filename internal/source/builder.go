package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Plugin types accepted by Builder.Build.
const (
	TypeFile     = "file"
	TypeDatabase = "database"
)

// ErrOutsideDataDir is returned when a file path escapes the data directory.
var ErrOutsideDataDir = errors.New("source: path outside data directory")

// Spec declares one plugin. Database specs may override the connection
// descriptor with their own Driver and DSN.
type Spec struct {
	Type    string `yaml:"type" json:"type"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Table   string `yaml:"table,omitempty" json:"table,omitempty"`
	OrderBy string `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Driver  string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Builder constructs plugins that share pacing, logging, a data directory
// and a default database descriptor.
type Builder struct {
	// DataDir confines file plugins. Empty allows any path.
	DataDir string
	DB      DBConfig
	Pacer   Pacer
	Logger  zerolog.Logger
}

func (b Builder) config() Config {
	return Config{Pacer: b.Pacer, Logger: b.Logger}
}

// File builds a file plugin. Relative paths resolve against DataDir.
func (b Builder) File(path string) (*FilePlugin, error) {
	resolved, err := b.resolvePath(path)
	if err != nil {
		return nil, err
	}
	p := NewFilePlugin(resolved, b.config())
	b.Logger.Debug().Str("path", resolved).Str("format", p.Format()).Msg("file plugin built")
	return p, nil
}

// Database builds a table plugin using the builder's descriptor.
func (b Builder) Database(table, orderBy string) (*DatabasePlugin, error) {
	return b.database(table, orderBy, b.DB)
}

func (b Builder) database(table, orderBy string, db DBConfig) (*DatabasePlugin, error) {
	p, err := NewDatabasePlugin(table, orderBy, db, b.config())
	if err != nil {
		return nil, err
	}
	b.Logger.Debug().Str("driver", db.Driver).Str("table", p.Table()).Msg("database plugin built")
	return p, nil
}

// Build constructs the plugin described by spec.
func (b Builder) Build(spec Spec) (Plugin, error) {
	switch strings.ToLower(spec.Type) {
	case TypeFile:
		if spec.Path == "" {
			return nil, fmt.Errorf("source: file plugin requires a path")
		}
		return b.File(spec.Path)
	case TypeDatabase, DriverPostgres:
		db := b.DB
		if spec.Driver != "" {
			db = DBConfig{Driver: spec.Driver, DSN: spec.DSN}
		} else if spec.DSN != "" {
			db.DSN = spec.DSN
		}
		return b.database(spec.Table, spec.OrderBy, db)
	default:
		return nil, fmt.Errorf("source: unknown plugin type %q", spec.Type)
	}
}

func (b Builder) resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("source: empty file path")
	}
	if b.DataDir == "" {
		return filepath.Clean(path), nil
	}

	root, err := filepath.Abs(b.DataDir)
	if err != nil {
		return "", fmt.Errorf("source: resolve data dir: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDataDir, path)
	}
	return full, nil
}
