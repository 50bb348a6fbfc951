// Package migrate creates and evolves the lakehouse tables from the schema
// registry using sql-migrate.
package migrate

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/vietddude/chainlake/internal/lake/schema"
)

const (
	// TableName records applied migrations in the local DuckDB database;
	// DuckLake tables have no primary keys.
	TableName = "chainlake_schema_migrations"

	lakePrefixReplacer = "/*lake*/"
	dialect            = "postgres"
	NoLimitMigrations  = 0
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      []string
	Down    []string
}

// ID is the sql-migrate identifier, e.g. "0001_blocks".
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// FromRegistry returns one migration per table in registry order. Partition
// statements are only emitted for DuckLake catalogs.
func FromRegistry(reg *schema.Registry, partitioned bool) ([]Migration, error) {
	var out []Migration
	for i, t := range reg.Tables() {
		ddl, err := t.CreateTableSQL(lakePrefixReplacer)
		if err != nil {
			return nil, err
		}
		up := []string{ddl}
		if partitioned {
			up = append(up, t.PartitionSQL(lakePrefixReplacer))
		}
		out = append(out, Migration{
			Version: i + 1,
			Name:    t.Name,
			Up:      up,
			Down:    []string{t.DropTableSQL(lakePrefixReplacer)},
		})
	}
	return out, nil
}

// Runner applies migrations against the catalog's DuckDB handle.
type Runner struct {
	db     *sql.DB
	prefix string
	set    migrate.MigrationSet
	log    *slog.Logger
}

// NewRunner creates a runner; prefix qualifies table names ("lake.main.").
func NewRunner(db *sql.DB, prefix string) *Runner {
	return &Runner{
		db:     db,
		prefix: prefix,
		set:    migrate.MigrationSet{TableName: TableName},
		log:    slog.Default().With("component", "migrate"),
	}
}

func (r *Runner) source(migrations []Migration) *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{}
	for _, m := range migrations {
		src.Migrations = append(src.Migrations, &migrate.Migration{
			Id:   m.ID(),
			Up:   r.expand(m.Up),
			Down: r.expand(m.Down),
			// DuckDB cannot write to the local and the attached catalog in
			// one transaction.
			DisableTransactionUp:   true,
			DisableTransactionDown: true,
		})
	}
	return src
}

func (r *Runner) expand(stmts []string) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = strings.ReplaceAll(s, lakePrefixReplacer, r.prefix)
	}
	return out
}

// Up applies every pending migration.
func (r *Runner) Up(migrations []Migration) (int, error) {
	return r.Exec(migrations, migrate.Up, NoLimitMigrations)
}

// Down rolls back at most max migrations.
func (r *Runner) Down(migrations []Migration, max int) (int, error) {
	return r.Exec(migrations, migrate.Down, max)
}

func (r *Runner) Exec(migrations []Migration, dir migrate.MigrationDirection, max int) (int, error) {
	src := r.source(migrations)
	ids := make([]string, len(src.Migrations))
	for i, m := range src.Migrations {
		ids[i] = m.Id
	}
	list := strings.Join(ids, ", ")

	r.log.Debug("Running migrations", "max", max, "total", len(ids), "migrations", list)
	n, err := r.set.ExecMax(r.db, dialect, src, dir, max)
	if err != nil {
		return n, fmt.Errorf("error executing migrations (max %d/%d) %s: %w", max, len(ids), list, err)
	}
	r.log.Info("Migrations applied", "count", n, "direction", direction(dir))
	return n, nil
}

// Applied lists the ids of applied migrations.
func (r *Runner) Applied() ([]string, error) {
	records, err := r.set.GetMigrationRecords(r.db, dialect)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Id
	}
	return out, nil
}

func direction(dir migrate.MigrationDirection) string {
	if dir == migrate.Down {
		return "down"
	}
	return "up"
}
