package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/datastream/internal/model"
)

func noPacing() Config {
	return Config{Pacer: Pacer{}}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeRecords(t *testing.T, m int) string {
	t.Helper()
	records := make([]map[string]int, m)
	for i := range records {
		records[i] = map[string]int{"id": i + 1}
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	return writeFile(t, "records.json", string(data))
}

func collect(t *testing.T, p Plugin, size int) ([]model.Chunk, error) {
	t.Helper()
	var chunks []model.Chunk
	for chunk, err := range p.StreamChunks(context.Background(), size) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func chunkSizes(chunks []model.Chunk) []int {
	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = len(c)
	}
	return sizes
}

func flatten(chunks []model.Chunk) []model.Record {
	var all []model.Record
	for _, c := range chunks {
		all = append(all, c...)
	}
	return all
}

func idOf(t *testing.T, rec model.Record) string {
	t.Helper()
	obj, ok := rec.(map[string]any)
	require.True(t, ok, "record %v is not an object", rec)
	return fmt.Sprint(obj["id"])
}

func TestFilePlugin_ChunkArithmetic(t *testing.T) {
	t.Parallel()

	for _, m := range []int{0, 1, 7, 10, 25, 31} {
		path := writeRecords(t, m)
		for _, n := range []int{1, 3, 10, 40} {
			t.Run(fmt.Sprintf("m=%d/n=%d", m, n), func(t *testing.T) {
				chunks, err := collect(t, NewFilePlugin(path, noPacing()), n)
				require.NoError(t, err)

				want := (m + n - 1) / n
				require.Len(t, chunks, want)
				for i, c := range chunks {
					if i < len(chunks)-1 {
						assert.Len(t, c, n)
						continue
					}
					last := m % n
					if last == 0 {
						last = n
					}
					assert.Len(t, c, last)
				}

				all := flatten(chunks)
				require.Len(t, all, m)
				for i, rec := range all {
					assert.Equal(t, fmt.Sprint(i+1), idOf(t, rec))
				}
			})
		}
	}
}

func TestFilePlugin_SampleScenario(t *testing.T) {
	t.Parallel()

	chunks, err := collect(t, NewFilePlugin(writeRecords(t, 25), noPacing()), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, chunkSizes(chunks))
}

func TestFilePlugin_KeyedObjectDoesNotMixKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "keyed.json", `{
		"users": [{"id": 1}, {"id": 2}, {"id": 3}],
		"meta": {"version": 2},
		"count": 5,
		"orders": [{"id": 10}, 11]
	}`)

	chunks, err := collect(t, NewFilePlugin(path, noPacing()), 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 2}, chunkSizes(chunks))

	for _, rec := range chunks[0] {
		assert.Equal(t, "users", rec.(map[string]any)[sourceKeyField])
	}
	assert.Equal(t, "users", chunks[1][0].(map[string]any)[sourceKeyField])

	orders := chunks[2]
	assert.Equal(t, "orders", orders[0].(map[string]any)[sourceKeyField])
	wrapped := orders[1].(map[string]any)
	assert.Equal(t, "orders", wrapped[sourceKeyField])
	assert.Equal(t, json.Number("11"), wrapped["value"])
}

func TestFilePlugin_SingleValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"scalar", `42`},
		{"object without arrays", `{"name": "solo", "nested": {"a": 1}}`},
		{"string", `"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := collect(t, NewFilePlugin(writeFile(t, "single.json", tt.content), noPacing()), 10)
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			require.Len(t, chunks[0], 1)
		})
	}
}

func TestFilePlugin_TextLines(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "notes.txt", "  first  \nsecond\n\nfourth\r\nfifth")
	chunks, err := collect(t, NewFilePlugin(path, noPacing()), 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 1}, chunkSizes(chunks))

	all := flatten(chunks)
	assert.Equal(t, map[string]any{"line": "first", "index": 0}, all[0])
	assert.Equal(t, map[string]any{"line": "", "index": 2}, all[2])
	assert.Equal(t, map[string]any{"line": "fourth", "index": 3}, all[3])
	assert.Equal(t, map[string]any{"line": "fifth", "index": 4}, all[4])
}

func TestFilePlugin_UnavailableSourcesAreEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csv := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csv, []byte("a,b\n1,2\n"), 0644))

	for _, path := range []string{
		filepath.Join(dir, "missing.json"),
		filepath.Join(dir, "missing.txt"),
		csv,
	} {
		chunks, err := collect(t, NewFilePlugin(path, noPacing()), 10)
		require.NoError(t, err, path)
		assert.Empty(t, chunks, path)
	}
}

func TestFilePlugin_MalformedJSONYieldsError(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "broken.json", `[{"id": 1}, {"id": 2`)
	_, err := collect(t, NewFilePlugin(path, noPacing()), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.json")
}

func TestFilePlugin_RestartLaw(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(writeRecords(t, 23), noPacing())
	first, err := collect(t, p, 5)
	require.NoError(t, err)
	second, err := collect(t, p, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFilePlugin_SequenceIsSingleUse(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(writeRecords(t, 4), noPacing())
	seq := p.StreamChunks(context.Background(), 2)

	count := 0
	for range seq {
		count++
	}
	assert.Equal(t, 2, count)

	for range seq {
		t.Fatal("second range over the same sequence must yield nothing")
	}
}

func TestFilePlugin_PacingHonorsCancellation(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(writeRecords(t, 30), Config{Pacer: Pacer{Delay: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	count := 0
	for range p.StreamChunks(ctx, 10) {
		count++
	}
	assert.Zero(t, count)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFilePlugin_PacingDelaysChunks(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(writeRecords(t, 3), Config{Pacer: Pacer{Delay: 20 * time.Millisecond}})
	start := time.Now()
	chunks, err := collect(t, p, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestFilePlugin_SourceInfo(t *testing.T) {
	t.Parallel()

	path := writeRecords(t, 12)
	p := NewFilePlugin(path, noPacing())

	info := p.SourceInfo(context.Background())
	assert.Equal(t, model.SourceTypeFile, info.Type)
	assert.Equal(t, path, info.Location)
	assert.Equal(t, FormatJSON, info.Format)
	assert.True(t, info.Exists)
	assert.Positive(t, info.Size)
	assert.EqualValues(t, 12, info.RecordCount)
	assert.Empty(t, info.Error)

	assert.Equal(t, info, p.SourceInfo(context.Background()))
}

func TestFilePlugin_SourceInfoMissingFile(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(filepath.Join(t.TempDir(), "nope.TXT"), noPacing())
	info := p.SourceInfo(context.Background())
	assert.False(t, info.Exists)
	assert.Equal(t, FormatText, info.Format)
	assert.Zero(t, info.RecordCount)
	assert.Empty(t, info.Error)
}

func TestFilePlugin_SourceInfoCountsLines(t *testing.T) {
	t.Parallel()

	p := NewFilePlugin(writeFile(t, "lines.txt", strings.Repeat("x\n", 7)), noPacing())
	assert.EqualValues(t, 7, p.SourceInfo(context.Background()).RecordCount)
}

func TestStreamChunks_HugeChunkSize(t *testing.T) {
	t.Parallel()

	file := NewFilePlugin(writeRecords(t, 7), noPacing())
	db, err := NewDatabasePlugin("dummy_data", "id", newSQLiteTable(t, 7), noPacing())
	require.NoError(t, err)

	for _, size := range []int{1 << 30, math.MaxInt} {
		for name, p := range map[string]Plugin{"file": file, "database": db} {
			chunks, err := collect(t, p, size)
			require.NoError(t, err, "%s size %d", name, size)
			assert.Equal(t, []int{7}, chunkSizes(chunks), "%s size %d", name, size)
		}
	}
}
