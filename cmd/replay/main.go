// Package main replays a YAML scenario against an in-process relay and prints
// what every connection received.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cory-johannsen/playhub/internal/config"
	"github.com/cory-johannsen/playhub/internal/observability"
	"github.com/cory-johannsen/playhub/internal/relay"
	"github.com/cory-johannsen/playhub/internal/scenario"
	"github.com/cory-johannsen/playhub/internal/scripting"
)

func main() {
	maxChat := flag.Int("max-chat", 200, "chat length limit in characters")
	hookDir := flag.String("hooks", "", "directory of Lua message hooks; empty = none")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [flags] scenario.yaml...")
		os.Exit(2)
	}

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	opts := relay.Options{MaxChatLength: *maxChat}
	if *hookDir != "" {
		hooks, err := scripting.LoadHooks(*hookDir, 0, logger)
		if err != nil {
			log.Fatalf("loading hooks: %v", err)
		}
		defer hooks.Close()
		opts.Filter = hooks
		opts.Departures = hooks
	}
	runner := scenario.NewRunner(logger, opts)

	failed := false
	for _, path := range flag.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			log.Fatalf("%v", err)
		}
		res, err := runner.Run(s)
		if err != nil {
			log.Fatalf("running %s: %v", path, err)
		}
		if err := res.WriteTranscript(os.Stdout); err != nil {
			log.Fatalf("writing transcript: %v", err)
		}
		if res.Err() != nil {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}
