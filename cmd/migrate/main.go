package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/infrastructure/config"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/database"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/telemetry"
)

const migrationsDir = "internal/infrastructure/database/migrations"

var migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status|version, force, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 1, "Number of migrations to roll back (for down action)")
		version    = flag.Int("version", -1, "Version to record (for force action)")
	)
	flag.Parse()

	logger, err := telemetry.NewLogger("info", "development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *action == "create" {
		if err := create(migrationsDir, *name); err != nil {
			logger.Fatal("failed to create migration", zap.Error(err))
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Database.Driver != "postgres" {
		logger.Fatal("migrations require the postgres driver", zap.String("driver", cfg.Database.Driver))
	}

	migrator, err := database.NewMigrator(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = migrator.Close() }()

	switch *action {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down(*steps)
	case "force":
		if *version < 0 {
			logger.Fatal("version is required for force action")
		}
		err = migrator.Force(*version)
	case "status", "version":
	default:
		logger.Fatal("unknown action", zap.String("action", *action))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.String("action", *action), zap.Error(err))
	}

	current, dirty, err := migrator.Version()
	if err != nil {
		logger.Fatal("failed to read schema version", zap.Error(err))
	}
	logger.Info("schema version",
		zap.String("action", *action),
		zap.Uint("version", current),
		zap.Bool("dirty", dirty))
}

// create writes an empty up/down pair numbered after the newest migration
func create(dir, name string) error {
	if !migrationName.MatchString(name) {
		return fmt.Errorf("migration name %q must be lower snake case", name)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var versions []int
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(prefix); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	base := filepath.Join(dir, fmt.Sprintf("%06d_%s", next, name))
	for _, suffix := range []string{".up.sql", ".down.sql"} {
		if err := os.WriteFile(base+suffix, []byte("-- "+name+"\n"), 0o644); err != nil {
			return err
		}
	}
	fmt.Println("created", base+".up.sql")
	return nil
}
