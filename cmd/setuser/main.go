// Package main provides a CLI tool for registering user display names.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/playhub/internal/config"
	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userID := flag.String("id", "", "user id as sent in identify frames (required)")
	name := flag.String("name", "", "display name to register")
	remove := flag.Bool("delete", false, "delete the user instead of setting a name")
	flag.Parse()

	if *userID == "" || (*name == "" && !*remove) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewUserRepository(pool.DB(), cfg.Database.LookupTimeout)

	if *remove {
		if err := repo.Delete(ctx, *userID); err != nil {
			log.Fatalf("deleting user %q: %v", *userID, err)
		}
		fmt.Fprintf(os.Stdout, "deleted user %s [%s]\n", *userID, time.Since(start))
		return
	}

	display := protocol.NormalizeName(*name)
	if err := protocol.ValidateDisplayName(display); err != nil {
		log.Fatalf("invalid display name: %v", err)
	}

	previous := ""
	if u, err := repo.Get(ctx, *userID); err == nil {
		previous = u.DisplayName
	}

	u, err := repo.Upsert(ctx, *userID, display)
	if err != nil {
		log.Fatalf("setting display name: %v", err)
	}

	elapsed := time.Since(start)
	if previous == "" {
		fmt.Fprintf(os.Stdout, "registered %s as %q [%s]\n", u.ID, u.DisplayName, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "renamed %s: %q -> %q [%s]\n", u.ID, previous, u.DisplayName, elapsed)
	}
}
