// Package migrate brings the demo dataset schema up to date on any supported
// backend. Steps are embedded SQL files named NNN_description.sql.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

// ledger records which steps a database has already taken.
const ledger = "demo_schema_versions"

// Step is one embedded schema change.
type Step struct {
	Version int
	Name    string
	body    string
}

// Report describes what Apply did.
type Report struct {
	From    int
	To      int
	Applied []string
}

// Runner applies steps against one database. Steps use the SQL subset shared
// by DuckDB, SQLite and PostgreSQL; only bind parameters differ per driver.
type Runner struct {
	db    *sql.DB
	bind  func(n int) string
	steps []Step
}

// NewRunner parses the embedded steps. bind renders the n-th bind parameter
// (1-based); nil means "?".
func NewRunner(db *sql.DB, bind func(n int) string) (*Runner, error) {
	steps, err := parseSteps(embedded)
	if err != nil {
		return nil, err
	}
	if bind == nil {
		bind = func(int) string { return "?" }
	}
	return &Runner{db: db, bind: bind, steps: steps}, nil
}

func parseSteps(fsys fs.FS) ([]Step, error) {
	paths, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: list steps: %w", err)
	}

	steps := make([]Step, 0, len(paths))
	seen := make(map[int]string, len(paths))
	for _, p := range paths {
		file := path.Base(p)
		prefix, _, ok := strings.Cut(file, "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s: expected NNN_name.sql", file)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version < 1 {
			return nil, fmt.Errorf("migrate: %s: bad version %q", file, prefix)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrate: %s and %s share version %d", prev, file, version)
		}
		seen[version] = file

		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", file, err)
		}
		steps = append(steps, Step{Version: version, Name: file, body: string(body)})
	}

	slices.SortFunc(steps, func(a, b Step) int { return cmp.Compare(a.Version, b.Version) })
	return steps, nil
}

// Pending returns the version the database is at and the steps still to run.
func (r *Runner) Pending(ctx context.Context) (int, []Step, error) {
	create := "CREATE TABLE IF NOT EXISTS " + ledger + ` (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return 0, nil, fmt.Errorf("migrate: create ledger: %w", err)
	}

	var latest sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM "+ledger).Scan(&latest); err != nil {
		return 0, nil, fmt.Errorf("migrate: read ledger: %w", err)
	}
	current := int(latest.Int64)

	idx := slices.IndexFunc(r.steps, func(s Step) bool { return s.Version > current })
	if idx < 0 {
		return current, nil, nil
	}
	return current, r.steps[idx:], nil
}

// Apply runs every pending step in version order. Each step commits together
// with its ledger row, so a failed step leaves earlier ones in place.
func (r *Runner) Apply(ctx context.Context) (Report, error) {
	from, pending, err := r.Pending(ctx)
	if err != nil {
		return Report{}, err
	}

	rep := Report{From: from, To: from}
	record := fmt.Sprintf("INSERT INTO %s (version, name) VALUES (%s, %s)", ledger, r.bind(1), r.bind(2))
	for _, s := range pending {
		if err := r.apply(ctx, s, record); err != nil {
			return rep, err
		}
		rep.To = s.Version
		rep.Applied = append(rep.Applied, s.Name)
	}
	return rep, nil
}

func (r *Runner) apply(ctx context.Context, s Step, record string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: %s: begin: %w", s.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		return fmt.Errorf("migrate: %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx, record, s.Version, s.Name); err != nil {
		return fmt.Errorf("migrate: %s: record: %w", s.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: %s: commit: %w", s.Name, err)
	}
	return nil
}
