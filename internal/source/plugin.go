// Package source defines the streaming contract shared by every data source
// and its file and database implementations.
package source

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/datastream/internal/model"
)

// Plugin adapts one concrete backend to the uniform streaming contract.
// Implementations are shared by concurrent sessions and must not keep
// per-stream state.
type Plugin interface {
	// StreamChunks returns a lazy, finite, single-use sequence of chunks in
	// stable backend order. Ranging over the returned value a second time
	// yields nothing; call StreamChunks again to start over.
	StreamChunks(ctx context.Context, chunkSize int) iter.Seq2[model.Chunk, error]

	// SourceInfo describes the backend. It never fails; backend errors are
	// reported in SourceInfo.Error.
	SourceInfo(ctx context.Context) model.SourceInfo
}

// Pacer spaces out chunk production. A zero Delay disables pacing.
type Pacer struct {
	Delay time.Duration
}

// DefaultPacer returns the pacing used when no configuration is supplied.
func DefaultPacer() Pacer {
	return Pacer{Delay: model.DefaultChunkDelay}
}

// Wait blocks for the pacing delay. It reports false when ctx ends first.
func (p Pacer) Wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.Delay <= 0 {
		return true
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// errStopped signals that the consumer stopped ranging or ctx ended.
var errStopped = errors.New("source: stream stopped")

func normalizeChunkSize(n int) int {
	if n < 1 {
		return model.DefaultChunkSize
	}
	return n
}

// singleUse makes seq yield only on its first range.
func singleUse(seq iter.Seq2[model.Chunk, error]) iter.Seq2[model.Chunk, error] {
	var used atomic.Bool
	return func(yield func(model.Chunk, error) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		seq(yield)
	}
}

// recordSink receives records in source order. flush marks a boundary that
// a chunk must not cross.
type recordSink interface {
	add(rec model.Record) bool
	flush() bool
}

// chunker groups records into chunks of size and hands them to yield,
// waiting on the pacer before each one.
type chunker struct {
	ctx   context.Context
	size  int
	pacer Pacer
	buf   model.Chunk
	yield func(model.Chunk, error) bool
}

// chunkPrealloc bounds the capacity reserved for a chunk up front. Chunk
// sizes come from clients, so buffers grow past it only as records arrive.
const chunkPrealloc = 1024

func newChunker(ctx context.Context, size int, pacer Pacer, yield func(model.Chunk, error) bool) *chunker {
	return &chunker{
		ctx:   ctx,
		size:  size,
		pacer: pacer,
		buf:   make(model.Chunk, 0, min(size, chunkPrealloc)),
		yield: yield,
	}
}

func (c *chunker) add(rec model.Record) bool {
	c.buf = append(c.buf, rec)
	if len(c.buf) >= c.size {
		return c.flush()
	}
	return true
}

func (c *chunker) flush() bool {
	if len(c.buf) == 0 {
		return true
	}
	chunk := c.buf
	c.buf = make(model.Chunk, 0, min(c.size, chunkPrealloc))
	if !c.pacer.Wait(c.ctx) {
		return false
	}
	return c.yield(chunk, nil)
}

// counter is a recordSink that only counts.
type counter struct{ n int64 }

func (c *counter) add(model.Record) bool { c.n++; return true }
func (c *counter) flush() bool           { return true }
