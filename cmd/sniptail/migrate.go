package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sniptail/sniptail/internal/config"
	"github.com/sniptail/sniptail/internal/registry"
)

func runMigrateCommand(ctx context.Context, args []string) int {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	if action != "status" && action != "up" {
		fmt.Fprintf(os.Stderr, "usage: %s migrate <status|up>\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	store, err := openUnmigrated(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if action == "up" {
		if err := store.Migrate(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("backend:  %s\n", status.Backend)
	fmt.Printf("version:  %d of %d\n", status.CurrentVersion, status.LatestVersion)
	if status.UpToDate() {
		fmt.Println("schema is up to date")
		return 0
	}
	for _, name := range status.Pending {
		fmt.Printf("pending:  %s\n", name)
	}
	if action == "status" {
		fmt.Printf("run %q to apply\n", os.Args[0]+" migrate up")
	}
	return 0
}

// openUnmigrated opens the configured backend without applying migrations so
// "migrate status" reports the real state.
func openUnmigrated(ctx context.Context, cfg config.Config) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case "sqlite":
		return registry.OpenSQLite(cfg.Registry.Path)
	case "postgres":
		return registry.OpenPostgres(ctx, cfg.Registry.DSN)
	case "redis":
		return registry.NewRedisRegistry(ctx, cfg.Registry.Addr)
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
}
