package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/datastream/internal/model"
)

// Supported values for DBConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
	DriverSQLite   = "sqlite"
)

// identPattern accepts a bare or schema-qualified SQL identifier. Table and
// column names are interpolated into queries, so nothing else is allowed.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ErrInvalidIdentifier is returned for table or column names that fail validation.
var ErrInvalidIdentifier = errors.New("source: invalid sql identifier")

// ErrUnknownDriver is returned for an unsupported DBConfig.Driver.
var ErrUnknownDriver = errors.New("source: unknown database driver")

// DBConfig describes how to reach a database. DSN, when set, is passed to
// the driver verbatim; otherwise one is assembled from the other fields.
// For duckdb and sqlite, Name is the database file path.
type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	DSN      string
}

type dialect struct {
	sqlDriver string // name registered with database/sql
	rowKey    string // stable ordering when no order column is configured
}

var dialects = map[string]dialect{
	DriverPostgres: {sqlDriver: "pgx", rowKey: "ctid"},
	DriverDuckDB:   {sqlDriver: "duckdb", rowKey: "rowid"},
	DriverSQLite:   {sqlDriver: "sqlite", rowKey: "rowid"},
}

// ValidDriver reports whether driver is supported.
func ValidDriver(driver string) bool {
	_, ok := dialects[driver]
	return ok
}

// DataSourceName returns the driver-specific connection string.
func (c DBConfig) DataSourceName() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver != DriverPostgres {
		return c.Name
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

// DatabasePlugin streams the rows of one table. Every StreamChunks call opens
// its own connection, so sessions never share a cursor or a connection.
type DatabasePlugin struct {
	table   string
	orderBy string
	db      DBConfig
	pacer   Pacer
	logger  zerolog.Logger
}

var _ Plugin = (*DatabasePlugin)(nil)

// NewDatabasePlugin creates a plugin for table. orderBy names the column used
// for pagination; empty selects the driver's row identifier.
func NewDatabasePlugin(table, orderBy string, db DBConfig, conf ...Config) (*DatabasePlugin, error) {
	d, ok := dialects[db.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, db.Driver)
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	if orderBy == "" {
		orderBy = d.rowKey
	} else if !identPattern.MatchString(orderBy) {
		return nil, fmt.Errorf("%w: order column %q", ErrInvalidIdentifier, orderBy)
	}

	cfg := resolveConfig(conf)
	return &DatabasePlugin{
		table:   table,
		orderBy: orderBy,
		db:      db,
		pacer:   cfg.Pacer,
		logger:  cfg.Logger.With().Str("plugin", "database").Str("driver", db.Driver).Str("table", table).Logger(),
	}, nil
}

// Table returns the backing table name.
func (p *DatabasePlugin) Table() string { return p.table }

// Open connects to the described database and verifies the connection.
func (c DBConfig) Open(ctx context.Context) (*sql.DB, error) {
	d, ok := dialects[c.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}
	db, err := sql.Open(d.sqlDriver, c.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Placeholder returns the driver's bind parameter for the n-th argument (1-based).
func (c DBConfig) Placeholder(n int) string {
	if c.Driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (p *DatabasePlugin) connect(ctx context.Context) (*sql.DB, error) {
	db, err := p.db.Open(ctx)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (p *DatabasePlugin) count(ctx context.Context, db *sql.DB) (int64, error) {
	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+p.table).Scan(&total); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return total, nil
}

// StreamChunks implements Plugin. A backend failure yields one empty chunk
// and ends the sequence; the error itself is only logged.
func (p *DatabasePlugin) StreamChunks(ctx context.Context, chunkSize int) iter.Seq2[model.Chunk, error] {
	size := normalizeChunkSize(chunkSize)
	return singleUse(func(yield func(model.Chunk, error) bool) {
		err := p.stream(ctx, size, yield)
		if err == nil || errors.Is(err, errStopped) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("database stream failed")
		yield(model.Chunk{}, nil)
	})
}

func (p *DatabasePlugin) stream(ctx context.Context, size int, yield func(model.Chunk, error) bool) error {
	db, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	total, err := p.count(ctx, db)
	if err != nil {
		return err
	}

	for offset := int64(0); offset < total; offset += int64(size) {
		if !p.pacer.Wait(ctx) {
			return errStopped
		}
		chunk, err := p.fetch(ctx, db, size, offset)
		if err != nil {
			return err
		}
		if !yield(chunk, nil) {
			return errStopped
		}
	}
	return nil
}

func (p *DatabasePlugin) fetch(ctx context.Context, db *sql.DB, limit int, offset int64) (model.Chunk, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d OFFSET %d", p.table, p.orderBy, limit, offset)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch offset %d: %w", offset, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	chunk := make(model.Chunk, 0, min(limit, chunkPrealloc))
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan offset %d: %w", offset, err)
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = normalizeValue(values[i])
		}
		chunk = append(chunk, rec)
	}
	return chunk, rows.Err()
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// SourceInfo implements Plugin. It opens a short-lived connection.
func (p *DatabasePlugin) SourceInfo(ctx context.Context) model.SourceInfo {
	info := model.SourceInfo{
		Type:     model.SourceTypeDatabase,
		Location: p.table,
		Driver:   p.db.Driver,
	}

	db, err := p.connect(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("source info unavailable")
		info.Error = err.Error()
		return info
	}
	defer db.Close()

	total, err := p.count(ctx, db)
	if err != nil {
		p.logger.Warn().Err(err).Msg("source info unavailable")
		info.Error = err.Error()
		return info
	}

	columns, err := p.columns(ctx, db)
	if err != nil {
		info.Error = err.Error()
		return info
	}

	info.Exists = true
	info.RecordCount = total
	info.Columns = columns
	return info
}

func (p *DatabasePlugin) columns(ctx context.Context, db *sql.DB) ([]model.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+p.table+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}
	columns := make([]model.ColumnInfo, 0, len(types))
	for _, ct := range types {
		columns = append(columns, model.ColumnInfo{
			Name: ct.Name(),
			Type: strings.ToLower(ct.DatabaseTypeName()),
		})
	}
	return columns, nil
}
