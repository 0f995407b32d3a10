package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/finchboard/finchboard/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "up":
		err = migrateSteps(args, 1)
	case "down":
		err = migrateSteps(args, -1)
	case "create":
		err = createMigration(args)
	case "force":
		err = forceVersion(args)
	case "help", "-h", "--help":
		usage()
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [args]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up [n]        Apply all migrations or the next n migrations")
	fmt.Fprintln(os.Stderr, "  down [n]      Roll back all migrations or the last n migrations")
	fmt.Fprintln(os.Stderr, "  create <name> Create new migration files")
	fmt.Fprintln(os.Stderr, "  force <ver>   Force set the migration version (fixes dirty state)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  DATABASE_URL          PostgreSQL connection string")
	fmt.Fprintln(os.Stderr, "  FINCH_MIGRATIONS_DIR  Migration file directory (default ./migrations)")
}

// migrateSteps runs all pending migrations in the given direction, or a
// bounded number of them when a step count argument is present.
func migrateSteps(args []string, direction int) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if len(args) > 0 {
		steps, err := strconv.Atoi(args[0])
		if err != nil || steps <= 0 {
			return fmt.Errorf("invalid steps: %s", args[0])
		}
		return ignoreNoChange(m.Steps(direction * steps))
	}

	if direction > 0 {
		return ignoreNoChange(m.Up())
	}
	return ignoreNoChange(m.Down())
}

func forceVersion(args []string) error {
	if len(args) == 0 {
		return errors.New("version number is required")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version: %s", args[0])
	}

	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Force(version); err != nil {
		return err
	}
	fmt.Printf("Forced version to %d\n", version)
	return nil
}

var nameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

func createMigration(args []string) error {
	if len(args) == 0 {
		return errors.New("migration name is required")
	}

	name := strings.ToLower(args[0])
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	name = strings.Trim(nameCleaner.ReplaceAllString(name, ""), "_")
	if name == "" {
		return errors.New("migration name must include at least one alphanumeric character")
	}

	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	base := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102150405"), name)
	for _, kind := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s.sql", base, kind))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("-- migrate %s\n", kind)), 0o644); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", path)
	}
	return nil
}

func newMigrator() (*migrate.Migrate, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	dir, err := migrationsDir()
	if err != nil {
		return nil, err
	}

	return migrate.New("file://"+dir, databaseURL)
}

func migrationsDir() (string, error) {
	return filepath.Abs(config.LoadFromEnv().MigrationsDir)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func closeMigrator(m *migrate.Migrate) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		fmt.Fprintf(os.Stderr, "source close error: %v\n", sourceErr)
	}
	if dbErr != nil {
		fmt.Fprintf(os.Stderr, "db close error: %v\n", dbErr)
	}
}
