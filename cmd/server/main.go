// Command server boots the SFU control and signaling server: load
// configuration, build the logger, then hand off to the supervisor for
// the rest of the component graph.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/n0remac/sfu-control/internal/config"
	"github.com/n0remac/sfu-control/internal/logging"
	"github.com/n0remac/sfu-control/internal/supervisor"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML/JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.IsProduction() && !cfg.HasTURN() {
		log.Warnw("no TURN server configured in production; some clients behind symmetric NAT may fail to connect")
	}

	sup, err := supervisor.New(log, cfg)
	if err != nil {
		log.Fatalw("failed to build supervisor", "err", err)
	}

	if err := sup.Run(); err != nil {
		log.Fatalw("server exited with error", "err", err)
	}
}
