// Command migrate applies and rolls back the PostgreSQL schema in migrations/.
// Connection settings come from the same configuration as the server; flags
// override them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/resul067142/yenirr/internal/config"
	"github.com/resul067142/yenirr/internal/logger"
)

// Version is set at build time
var Version = "dev"

const (
	defaultTimeout        = 5 * time.Minute
	defaultMigrationsPath = "migrations"
	migrationsTable       = "schema_migrations"
)

type options struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
	dryRun         bool
}

type runner struct {
	opts options
	log  *slog.Logger
}

func main() {
	log := logger.New(logger.Config{Level: "info", Format: "text", Output: "stderr"})

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", logger.Err(err))
		os.Exit(1)
	}
	db := cfg.Database

	flag.StringVar(&db.Host, "db-host", db.Host, "Database host")
	flag.StringVar(&db.Port, "db-port", db.Port, "Database port")
	flag.StringVar(&db.User, "db-user", db.User, "Database user")
	flag.StringVar(&db.Password, "db-password", db.Password, "Database password")
	flag.StringVar(&db.DBName, "db-name", db.DBName, "Database name")
	flag.StringVar(&db.SSLMode, "db-sslmode", db.SSLMode, "Database SSL mode")
	path := flag.String("path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
	timeout := flag.Duration("timeout", defaultTimeout, "Lock and connection timeout")
	dryRun := flag.Bool("dry-run", false, "Print what would be done without executing")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrate version %s\n", Version)
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	r := &runner{
		opts: options{
			databaseURL:    db.URL(),
			migrationsPath: *path,
			timeout:        *timeout,
			dryRun:         *dryRun,
		},
		log: log,
	}
	if err := r.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("migration command failed", slog.String("command", flag.Arg(0)), logger.Err(err))
		os.Exit(1)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Schema migrations for the device tracking database.")
	fmt.Fprintln(out, "\nCommands:")
	fmt.Fprintln(out, "  up [N]       apply all or N pending migrations")
	fmt.Fprintln(out, "  down [N]     roll back all or N migrations")
	fmt.Fprintln(out, "  goto V       migrate to version V")
	fmt.Fprintln(out, "  force V      record version V without running anything")
	fmt.Fprintln(out, "  version      print the applied version")
	fmt.Fprintln(out, "  create NAME  write an empty up/down pair")
	fmt.Fprintln(out, "\nOptions:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nDB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE set the defaults.")
}

func (r *runner) run(cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return r.create(args[0])
	case "version":
		return r.version()
	case "up":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		return r.migrate("up", func(m *migrate.Migrate) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			return m.Up()
		})
	case "down":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		return r.migrate("down", func(m *migrate.Migrate) error {
			if steps > 0 {
				return m.Steps(-steps)
			}
			return m.Down()
		})
	case "goto":
		v, err := requiredInt(cmd, args)
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("invalid version: %d", v)
		}
		return r.migrate("goto", func(m *migrate.Migrate) error {
			return m.Migrate(uint(v))
		})
	case "force":
		v, err := requiredInt(cmd, args)
		if err != nil {
			return err
		}
		return r.migrate("force", func(m *migrate.Migrate) error {
			return m.Force(v)
		})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// migrate opens the database, runs step and logs the version transition
func (r *runner) migrate(name string, step func(*migrate.Migrate) error) error {
	if r.opts.dryRun {
		r.log.Info("dry run, nothing applied", slog.String("command", name))
		return nil
	}

	m, err := r.open()
	if err != nil {
		return err
	}
	defer m.Close()

	from, _, _ := m.Version()
	r.log.Info("running migration", slog.String("command", name), slog.Uint64("from", uint64(from)))

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("schema already up to date")
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	to, dirty, _ := m.Version()
	r.log.Info("migration completed",
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(to)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func (r *runner) version() error {
	m, err := r.open()
	if err != nil {
		return err
	}
	defer m.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.log.Info("no migrations applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	r.log.Info("current schema version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
	return nil
}

func (r *runner) create(name string) error {
	next, err := nextSequence(r.opts.migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}

	base := fmt.Sprintf("%06d_%s", next, name)
	files := map[string]string{
		filepath.Join(r.opts.migrationsPath, base+".up.sql"):   "-- " + name + "\n",
		filepath.Join(r.opts.migrationsPath, base+".down.sql"): "-- " + name + " (rollback)\n",
	}

	if r.opts.dryRun {
		for path := range files {
			r.log.Info("dry run, would create", slog.String("file", path))
		}
		return nil
	}

	if err := os.MkdirAll(r.opts.migrationsPath, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		r.log.Info("created migration file", slog.String("file", path))
	}
	return nil
}

// open connects with the configured timeout and returns a migrate instance
// bound to the migrations directory
func (r *runner) open() (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", r.opts.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(r.opts.migrationsPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = r.opts.timeout
	return m, nil
}

func nextSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, e := range entries {
		var n int
		if e.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "%d_", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func requiredInt(cmd string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s requires a version number", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", args[0])
	}
	return n, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
