package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/model"
)

const (
	// FormatJSON and FormatText are the supported file extensions.
	FormatJSON = ".json"
	FormatText = ".txt"

	// maxLineSize caps a single line of a text source (1MB).
	maxLineSize = 1024 * 1024

	sourceKeyField = "_source_key"
)

// Config holds optional plugin parameters shared by all variants.
type Config struct {
	Pacer  Pacer
	Logger zerolog.Logger
}

func resolveConfig(conf []Config) Config {
	if len(conf) > 0 {
		return conf[0]
	}
	return Config{Pacer: DefaultPacer(), Logger: zerolog.Nop()}
}

// FilePlugin streams records from a JSON or line-oriented text file.
// The format is chosen by extension; anything else streams nothing.
type FilePlugin struct {
	path   string
	format string
	pacer  Pacer
	logger zerolog.Logger
}

var _ Plugin = (*FilePlugin)(nil)

// NewFilePlugin creates a plugin for path. The file does not need to exist yet.
func NewFilePlugin(path string, conf ...Config) *FilePlugin {
	cfg := resolveConfig(conf)
	return &FilePlugin{
		path:   path,
		format: strings.ToLower(filepath.Ext(path)),
		pacer:  cfg.Pacer,
		logger: cfg.Logger.With().Str("plugin", "file").Str("path", path).Logger(),
	}
}

// Path returns the backing file path.
func (p *FilePlugin) Path() string { return p.path }

// Format returns the lower-cased file extension.
func (p *FilePlugin) Format() string { return p.format }

func (p *FilePlugin) supported() bool {
	return p.format == FormatJSON || p.format == FormatText
}

// StreamChunks implements Plugin.
func (p *FilePlugin) StreamChunks(ctx context.Context, chunkSize int) iter.Seq2[model.Chunk, error] {
	size := normalizeChunkSize(chunkSize)
	return singleUse(func(yield func(model.Chunk, error) bool) {
		if !p.supported() {
			return
		}
		f, err := os.Open(p.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				p.logger.Warn().Err(err).Msg("file source unavailable")
			}
			return
		}
		defer f.Close()

		c := newChunker(ctx, size, p.pacer, yield)
		if err := p.read(f, c); err != nil && !errors.Is(err, errStopped) {
			yield(nil, fmt.Errorf("source: read %s: %w", p.path, err))
		}
	})
}

func (p *FilePlugin) read(f *os.File, sink recordSink) error {
	switch p.format {
	case FormatJSON:
		return readJSON(f, sink)
	case FormatText:
		return readLines(f, sink)
	}
	return nil
}

// SourceInfo implements Plugin.
func (p *FilePlugin) SourceInfo(_ context.Context) model.SourceInfo {
	info := model.SourceInfo{
		Type:     model.SourceTypeFile,
		Location: p.path,
		Format:   p.format,
	}

	st, err := os.Stat(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			info.Error = err.Error()
		}
		return info
	}
	info.Exists = true
	info.Size = st.Size()

	if !p.supported() {
		return info
	}
	f, err := os.Open(p.path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	defer f.Close()

	var n counter
	if err := p.read(f, &n); err != nil {
		info.Error = err.Error()
		return info
	}
	info.RecordCount = n.n
	return info
}

// readLines emits {line, index} per line, index counting from zero.
func readLines(r io.Reader, sink recordSink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	index := 0
	for scanner.Scan() {
		rec := map[string]any{
			"line":  strings.TrimSpace(scanner.Text()),
			"index": index,
		}
		if !sink.add(rec) {
			return errStopped
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !sink.flush() {
		return errStopped
	}
	return nil
}
