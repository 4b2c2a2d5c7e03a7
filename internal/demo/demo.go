// Package demo creates the bundled example datasets: a JSON item list and
// a seeded dummy_data table.
package demo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/demo/migrate"
	"github.com/tinytelemetry/datastream/internal/source"
)

const (
	// DefaultSampleItems is the size of the generated sample.json.
	DefaultSampleItems = 10_000
	// DefaultRows is the number of dummy_data rows seeded.
	DefaultRows = 50_000
	// Table is the seeded table name.
	Table = "dummy_data"

	insertBatchSize = 1000
)

// SampleItem is one element of sample.json.
type SampleItem struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// SampleItems returns n items numbered from 1.
func SampleItems(n int) []SampleItem {
	items := make([]SampleItem, n)
	for i := range items {
		id := i + 1
		items[i] = SampleItem{ID: id, Name: fmt.Sprintf("Item %d", id), Value: id * 10}
	}
	return items
}

// WriteSample writes n sample items to path as an indented JSON array. The
// file is replaced atomically.
func WriteSample(path string, n int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("demo: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(SampleItems(n), "", "  ")
	if err != nil {
		return fmt.Errorf("demo: encode sample: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sample-*.json")
	if err != nil {
		return fmt.Errorf("demo: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("demo: write sample: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("demo: write sample: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("demo: rename sample: %w", err)
	}
	return nil
}

// EnsureSample writes the sample file unless it already exists.
func EnsureSample(path string, n int) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("demo: stat sample: %w", err)
	}
	if err := WriteSample(path, n); err != nil {
		return false, err
	}
	return true, nil
}

var (
	firstNames = []string{"Ada", "Alan", "Barbara", "Claude", "Dennis", "Edsger", "Frances", "Grace", "Hedy", "Ken", "Linus", "Margaret", "Niklaus", "Radia", "Rob", "Shafi", "Tim", "Whitfield"}
	lastNames  = []string{"Allen", "Backus", "Cerf", "Diffie", "Engelbart", "Floyd", "Goldwasser", "Hopper", "Kahn", "Knuth", "Lamport", "Liskov", "Pike", "Ritchie", "Shannon", "Thompson", "Turing", "Wirth"}
)

// Person is one generated dummy_data row.
type Person struct {
	ID    int
	Name  string
	Email string
	Age   int
}

// People generates n deterministic rows with ages in [18, 70].
func People(n int, seed uint64) []Person {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]Person, n)
	for i := range out {
		first := firstNames[rng.IntN(len(firstNames))]
		last := lastNames[rng.IntN(len(lastNames))]
		out[i] = Person{
			ID:    i + 1,
			Name:  first + " " + last,
			Email: fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), i+1),
			Age:   18 + rng.IntN(53),
		}
	}
	return out
}

// Seed creates dummy_data in the described database and fills it with rows
// people. A table that already holds rows is left untouched. It returns the
// number of rows inserted.
func Seed(ctx context.Context, cfg source.DBConfig, rows int, logger zerolog.Logger) (int, error) {
	if cfg.DSN == "" && cfg.Driver != source.DriverPostgres && cfg.Name != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Name), 0o755); err != nil {
			return 0, fmt.Errorf("demo: mkdir: %w", err)
		}
	}

	db, err := cfg.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("demo: %w", err)
	}
	defer db.Close()

	runner, err := migrate.NewRunner(db, cfg.Placeholder)
	if err != nil {
		return 0, fmt.Errorf("demo: %w", err)
	}
	rep, err := runner.Apply(ctx)
	if err != nil {
		return 0, fmt.Errorf("demo: %w", err)
	}
	if len(rep.Applied) > 0 {
		logger.Info().Int("from", rep.From).Int("to", rep.To).Strs("steps", rep.Applied).Msg("demo schema migrated")
	}

	var existing int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+Table).Scan(&existing); err != nil {
		return 0, fmt.Errorf("demo: count rows: %w", err)
	}
	if existing > 0 {
		logger.Debug().Int64("rows", existing).Msg("demo table already seeded")
		return 0, nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (id, name, email, age) VALUES (%s, %s, %s, %s)",
		Table, cfg.Placeholder(1), cfg.Placeholder(2), cfg.Placeholder(3), cfg.Placeholder(4))

	people := People(rows, uint64(rows))
	for start := 0; start < len(people); start += insertBatchSize {
		end := min(start+insertBatchSize, len(people))
		if err := insertBatch(ctx, db, insert, people[start:end]); err != nil {
			return start, err
		}
		logger.Debug().Int("rows", end).Msg("seeded batch")
	}
	logger.Info().Int("rows", len(people)).Str("table", Table).Msg("demo table seeded")
	return len(people), nil
}

func insertBatch(ctx context.Context, db *sql.DB, query string, batch []Person) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("demo: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("demo: prepare: %w", err)
	}
	defer stmt.Close()
	for _, p := range batch {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Email, p.Age); err != nil {
			tx.Rollback()
			return fmt.Errorf("demo: insert row %d: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("demo: commit: %w", err)
	}
	return nil
}
