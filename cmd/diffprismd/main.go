package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/CodeJonesW/diffprism/internal/config"
	"github.com/CodeJonesW/diffprism/internal/daemon"
	"github.com/CodeJonesW/diffprism/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("diffprismd %s\n", version.Version)
		return
	}

	var (
		configPath = flag.String("config", config.GlobalConfigPath(), "path to config file")
		httpAddr   = flag.String("http-addr", "", "control API address (overrides config)")
		wsAddr     = flag.String("ws-addr", "", "WebSocket address (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime)
	log.Println("Starting diffprismd...")

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", *configPath, err)
		cfg = config.DefaultConfig()
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}

	server, err := daemon.NewServer(cfg, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
		server.Stop()
	case <-server.Done():
		// Stopped via POST /api/shutdown.
	}
}
