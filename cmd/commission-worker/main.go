package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/revenue-middleware/pkg/app/worker"
	"github.com/chainsafe/revenue-middleware/pkg/config"
)

var configPath = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := worker.NewServer(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Commission worker failed: %v\n", err)
		os.Exit(1)
	}
}
