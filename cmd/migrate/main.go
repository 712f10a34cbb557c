// Command migrate applies the embedded schema migrations and loads seed data.
//
//	migrate up | down | status | version | redo | reset
//	migrate seed <file.json>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/config"
	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/ariefcatur/bizhub-orders/internal/postgres"
	"github.com/joho/godotenv"
)

type seedFile struct {
	Users    []orders.User    `json:"users"`
	Products []orders.Product `json:"products"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: cfg.HTTP.ServiceName + "-migrate",
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|reset|seed FILE> [args]")
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, 2)
	if err != nil {
		log.Error(ctx, "db connect", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx = log.WithField(ctx, "command", command)
	if command == "seed" {
		err = seed(ctx, postgres.NewStore(db), args)
	} else {
		err = postgres.Migrate(ctx, db, command, args...)
	}
	if err != nil {
		log.Error(ctx, "migrate failed", err)
		cancel()
		db.Close()
		os.Exit(1)
	}
	log.Info(ctx, "done")
}

func seed(ctx context.Context, store *postgres.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("seed needs exactly one file argument")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var f seedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}
	for _, u := range f.Users {
		if u.Role == "" {
			u.Role = orders.RoleCustomer
		}
		if err := store.SeedUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, p := range f.Products {
		if err := store.SeedProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}
