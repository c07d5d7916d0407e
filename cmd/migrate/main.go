package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/tenancy/internal/migrate"
	"qazna.org/tenancy/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("TENANCY_PG_DSN"), "PostgreSQL DSN")
		target    = flag.String("target", "tenancy", "schema to migrate: tenancy or keycloak")
		seedsPath = flag.String("seeds", "", "optional directory of SQL seeds")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TENANCY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-target tenancy|keycloak] [up|down|seed|status]")
	}

	var (
		migrations fs.FS
		opts       []migrate.Option
	)
	switch *target {
	case "tenancy":
		migrations = pg.Migrations()
	case "keycloak":
		// kept apart from the identity provider's own bookkeeping
		migrations = pg.KeycloakTriggers()
		opts = append(opts, migrate.WithMigrationsTable("tenancy_notify_migrations"), migrate.WithSeedsTable("tenancy_notify_seeds"))
	default:
		log.Fatalf("unknown target %q", *target)
	}
	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations, seeds, opts...)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil && reverted != "" {
			fmt.Println("reverted", reverted)
		}
	case "seed":
		if seeds == nil {
			log.Fatal("seed requires -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
