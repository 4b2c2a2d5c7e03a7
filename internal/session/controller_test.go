package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/datastream/internal/connmgr"
	"github.com/tinytelemetry/datastream/internal/model"
	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/source"
)

type pipeTransport struct {
	mu        sync.Mutex
	written   []model.Message
	failAfter int // writes allowed before failing; <0 means never fail

	done     chan struct{}
	doneOnce sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{failAfter: -1, done: make(chan struct{})}
}

func (p *pipeTransport) Write(data []byte, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.written) >= p.failAfter {
		return errors.New("connection reset")
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p.written = append(p.written, msg)
	return nil
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	<-p.done
	return nil, errors.New("eof")
}

func (p *pipeTransport) Close() error {
	p.hangUp()
	return nil
}

func (p *pipeTransport) RemoteAddr() string { return "pipe" }

func (p *pipeTransport) hangUp() { p.doneOnce.Do(func() { close(p.done) }) }

func (p *pipeTransport) messages() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Message(nil), p.written...)
}

func (p *pipeTransport) handshake() connmgr.Handshake {
	return func() (connmgr.Transport, error) { return p, nil }
}

type fakePlugin struct {
	info   model.SourceInfo
	chunks []model.Chunk
	err    error
	// forever keeps yielding single-record chunks until ctx ends.
	forever bool
	delay   time.Duration
	panics  any
}

func (f *fakePlugin) StreamChunks(ctx context.Context, _ int) iter.Seq2[model.Chunk, error] {
	return func(yield func(model.Chunk, error) bool) {
		if f.panics != nil {
			panic(f.panics)
		}
		wait := func() bool {
			if f.delay <= 0 {
				return ctx.Err() == nil
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(f.delay):
				return true
			}
		}
		for _, ch := range f.chunks {
			if !wait() || !yield(ch, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		for f.forever {
			if !wait() || !yield(model.Chunk{1}, nil) {
				return
			}
		}
	}
}

func (f *fakePlugin) SourceInfo(context.Context) model.SourceInfo { return f.info }

func newFixture(t *testing.T, conf ...Config) (*Controller, *registry.Registry, *connmgr.Manager) {
	t.Helper()
	reg := registry.New()
	conns := connmgr.NewManager()
	return NewController(reg, conns, conf...), reg, conns
}

func writeSample(t *testing.T, n int) string {
	t.Helper()
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"id": i + 1, "name": fmt.Sprintf("Item %d", i+1), "value": (i + 1) * 10}
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestServeSampleStream(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	plugin := source.NewFilePlugin(writeSample(t, 25), source.Config{Pacer: source.Pacer{}})
	require.NoError(t, reg.Register("sample", plugin))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "sample", ChunkSize: 10})

	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 25, res.Records)

	msgs := tr.messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, model.StatusConnected, msgs[0].Status)
	require.NotNil(t, msgs[0].SourceInfo)
	assert.EqualValues(t, 25, msgs[0].SourceInfo.RecordCount)

	var sizes []int
	for i := 1; i < len(msgs); i += 2 {
		sizes = append(sizes, len(msgs[i].Data))
		assert.Equal(t, model.ChunkCompleteText, msgs[i+1].Message)
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
	for _, m := range msgs {
		assert.Empty(t, m.Error)
	}
	assert.Equal(t, 0, conns.Count())
}

func TestServeUnknownPlugin(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	require.NoError(t, reg.Register("sample", &fakePlugin{}))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "ghost"})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrPluginNotFound)

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "plugin not found: ghost", msgs[0].Error)
	assert.Equal(t, []string{"sample"}, msgs[0].AvailablePlugins)
	assert.Equal(t, 0, conns.Count())
}

func TestServeEmptyChunkGetsMarkerOnly(t *testing.T) {
	ctrl, reg, _ := newFixture(t)
	require.NoError(t, reg.Register("db", &fakePlugin{chunks: []model.Chunk{{}}}))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "db"})

	assert.Equal(t, StateCompleted, res.State)
	msgs := tr.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ChunkCompleteText, msgs[1].Message)
}

func TestServeMarkersDisabled(t *testing.T) {
	ctrl, reg, _ := newFixture(t, Config{DisableMarkers: true})
	require.NoError(t, reg.Register("p", &fakePlugin{chunks: []model.Chunk{{1}, {2}}}))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "p"})

	assert.Equal(t, StateCompleted, res.State)
	msgs := tr.messages()
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[1].Data, 1)
	assert.Len(t, msgs[2].Data, 1)
}

func TestServeClientGoneMidStream(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	require.NoError(t, reg.Register("endless", &fakePlugin{forever: true}))

	tr := newPipeTransport()
	tr.failAfter = 4
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "endless"})

	assert.Equal(t, StateDisconnected, res.State)
	assert.NoError(t, res.Err)
	for _, m := range tr.messages() {
		assert.Empty(t, m.Error)
	}
	assert.Equal(t, 0, conns.Count())
}

func TestServePeerHangUpStopsPulling(t *testing.T) {
	ctrl, reg, _ := newFixture(t)
	require.NoError(t, reg.Register("slow", &fakePlugin{forever: true, delay: 20 * time.Millisecond}))

	tr := newPipeTransport()
	done := make(chan Result, 1)
	go func() {
		done <- ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "slow"})
	}()

	require.Eventually(t, func() bool { return len(tr.messages()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	tr.hangUp()

	select {
	case res := <-done:
		assert.Equal(t, StateDisconnected, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("session kept streaming after peer hang-up")
	}
}

func TestServeShutdownMidStream(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	require.NoError(t, reg.Register("slow", &fakePlugin{forever: true, delay: 10 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	tr := newPipeTransport()
	done := make(chan Result, 1)
	go func() {
		done <- ctrl.Serve(ctx, tr.handshake(), Request{Plugin: "slow"})
	}()

	require.Eventually(t, func() bool { return len(tr.messages()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, StateFailed, res.State)
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session kept streaming after shutdown")
	}
	for _, m := range tr.messages() {
		assert.Empty(t, m.Error)
	}
	assert.Equal(t, 0, conns.Count())
}

func TestServePluginPanicFailsOnlyTheSession(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	require.NoError(t, reg.Register("boom", &fakePlugin{panics: "makeslice: cap out of range"}))
	require.NoError(t, reg.Register("fine", &fakePlugin{chunks: []model.Chunk{{1}}}))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "boom"})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrSessionPanic)
	msgs := tr.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StatusConnected, msgs[0].Status)
	assert.Contains(t, msgs[1].Error, "boom")
	assert.Equal(t, 0, conns.Count())

	next := newPipeTransport()
	assert.Equal(t, StateCompleted, ctrl.Serve(context.Background(), next.handshake(), Request{Plugin: "fine"}).State)
}

func TestServePluginError(t *testing.T) {
	ctrl, reg, _ := newFixture(t)
	require.NoError(t, reg.Register("bad", &fakePlugin{chunks: []model.Chunk{{1}}, err: errors.New("unexpected EOF")}))

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "bad"})

	assert.Equal(t, StateFailed, res.State)
	require.Error(t, res.Err)
	msgs := tr.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "unexpected EOF", msgs[len(msgs)-1].Error)
}

func TestServeBroadcast(t *testing.T) {
	ctrl, reg, conns := newFixture(t)
	require.NoError(t, reg.Register("p", &fakePlugin{chunks: []model.Chunk{{"a", "b"}}}))

	watcher := newPipeTransport()
	_, err := conns.Accept(context.Background(), watcher.handshake())
	require.NoError(t, err)

	tr := newPipeTransport()
	res := ctrl.Serve(context.Background(), tr.handshake(), Request{Plugin: "p", Broadcast: true})
	assert.Equal(t, StateCompleted, res.State)

	own := tr.messages()
	require.Len(t, own, 3)
	assert.Equal(t, model.StatusConnected, own[0].Status)

	seen := watcher.messages()
	require.Len(t, seen, 2)
	assert.Equal(t, model.Chunk{"a", "b"}, seen[0].Data)
	assert.Equal(t, model.ChunkCompleteText, seen[1].Message)

	assert.Equal(t, 1, conns.Count())
}

func TestServeHandshakeFailure(t *testing.T) {
	ctrl, _, conns := newFixture(t)
	res := ctrl.Serve(context.Background(), func() (connmgr.Transport, error) {
		return nil, errors.New("not a websocket request")
	}, Request{Plugin: "p"})

	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)
	assert.Equal(t, 0, conns.Count())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(42)", State(42).String())
}
