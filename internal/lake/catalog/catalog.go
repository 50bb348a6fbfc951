// Package catalog owns the DuckDB connection and the attached DuckLake
// catalog: transactional writes of Arrow records, queries returning Arrow and
// compaction.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
)

const postgresCatalogPrefix = "ducklake:postgres:"

var ErrCompactUnsupported = errors.New("compaction requires a DuckLake catalog")

// Config holds the catalog connection settings.
type Config struct {
	// CatalogDSN is the DuckLake catalog, e.g. "ducklake:postgres:host=db dbname=lake"
	// or "ducklake:metadata.ducklake". Empty uses plain DuckDB tables.
	CatalogDSN     string `yaml:"catalog_dsn"`
	DataPath       string `yaml:"data_path"`
	Name           string `yaml:"name"`
	MetadataSchema string `yaml:"metadata_schema"`
	Schema         string `yaml:"schema"`
	// LocalPath is the DuckDB database file; empty is in-memory.
	LocalPath        string        `yaml:"local_path"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MergeBatchRows   int           `yaml:"merge_batch_rows"`
	PreflightTimeout time.Duration `yaml:"preflight_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "lake"
	}
	if c.Schema == "" {
		c.Schema = "main"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MergeBatchRows <= 0 {
		c.MergeBatchRows = 500
	}
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = 10 * time.Second
	}
	return c
}

// Catalog wraps the DuckDB handle.
type Catalog struct {
	db     *sqlx.DB
	cfg    Config
	prefix string
	lake   bool
	log    *slog.Logger
}

// Open connects to DuckDB and attaches the DuckLake catalog when configured.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	cfg = cfg.withDefaults()
	log := slog.Default().With("component", "catalog")

	if err := Preflight(ctx, cfg); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("duckdb", cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	c := &Catalog{db: db, cfg: cfg, log: log}
	if cfg.CatalogDSN != "" {
		if err := c.attach(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		c.lake = true
		c.prefix = cfg.Name + "." + cfg.Schema + "."
	}
	return c, nil
}

func (c *Catalog) attach(ctx context.Context) error {
	for _, stmt := range []string{"INSTALL ducklake", "LOAD ducklake"} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if strings.HasPrefix(c.cfg.DataPath, "s3://") || strings.HasPrefix(c.cfg.DataPath, "gs://") {
		for _, stmt := range []string{"INSTALL httpfs", "LOAD httpfs"} {
			if _, err := c.db.ExecContext(ctx, stmt); err != nil {
				c.log.Warn("Extension setup failed", "statement", stmt, "error", err)
			}
		}
	}

	var opts []string
	if c.cfg.DataPath != "" {
		opts = append(opts, fmt.Sprintf("DATA_PATH '%s'", escape(c.cfg.DataPath)))
	}
	if c.cfg.MetadataSchema != "" {
		opts = append(opts, fmt.Sprintf("METADATA_SCHEMA '%s'", escape(c.cfg.MetadataSchema)))
	}
	attach := fmt.Sprintf("ATTACH IF NOT EXISTS '%s' AS %s", escape(c.cfg.CatalogDSN), c.cfg.Name)
	if len(opts) > 0 {
		attach += " (" + strings.Join(opts, ", ") + ")"
	}
	if _, err := c.db.ExecContext(ctx, attach); err != nil {
		return fmt.Errorf("failed to attach DuckLake catalog: %w", err)
	}

	if c.cfg.Schema != "main" {
		stmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", c.cfg.Name, c.cfg.Schema)
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	c.log.Info("Attached DuckLake catalog", "name", c.cfg.Name, "schema", c.cfg.Schema, "data_path", c.cfg.DataPath)
	return nil
}

// Preflight verifies a Postgres backed catalog is reachable before ATTACH so
// that a bad DSN fails fast with a clear error.
func Preflight(ctx context.Context, cfg Config) error {
	if !strings.HasPrefix(cfg.CatalogDSN, postgresCatalogPrefix) {
		return nil
	}
	timeout := cfg.PreflightTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, strings.TrimPrefix(cfg.CatalogDSN, postgresCatalogPrefix))
	if err != nil {
		return fmt.Errorf("catalog preflight: connect: %w", err)
	}
	defer conn.Close(context.Background())
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("catalog preflight: ping: %w", err)
	}
	return nil
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// DB exposes the handle for migrations.
func (c *Catalog) DB() *sqlx.DB {
	return c.db
}

// Prefix qualifies table names, e.g. "lake.main.". Empty without DuckLake.
func (c *Catalog) Prefix() string {
	return c.prefix
}

// IsLake reports whether a DuckLake catalog is attached.
func (c *Catalog) IsLake() bool {
	return c.lake
}

// Qualified returns the fully qualified table name.
func (c *Catalog) Qualified(table string) string {
	return c.prefix + table
}

// Health pings the database.
func (c *Catalog) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Compact merges adjacent small files of table.
func (c *Catalog) Compact(ctx context.Context, table string, maxFiles int) error {
	if !c.lake {
		return ErrCompactUnsupported
	}
	if maxFiles <= 0 {
		maxFiles = 100
	}
	stmt := fmt.Sprintf("CALL ducklake_merge_adjacent_files('%s', '%s', schema => '%s', max_compacted_files => %d)",
		c.cfg.Name, escape(table), c.cfg.Schema, maxFiles)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("compact %s: %w", table, err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
