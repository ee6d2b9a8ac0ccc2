package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeJonesW/diffprism/internal/config"
	"github.com/CodeJonesW/diffprism/internal/daemon"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the standing review daemon",
	}
	cmd.AddCommand(daemonStartCmd())
	cmd.AddCommand(daemonRunCmd())
	cmd.AddCommand(daemonStopCmd())
	cmd.AddCommand(daemonStatusCmd())
	return cmd
}

func daemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if info, err := daemon.FindRunningDaemon(); err == nil && daemon.IsDaemonAlive(info.HTTPPort) {
				fmt.Printf("Daemon already running (pid %d)\n", info.PID)
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fail("locate executable: %v", err)
			}
			run := exec.Command(exe, "daemon", "run")
			run.Stdout = nil
			run.Stderr = nil
			if err := run.Start(); err != nil {
				return fail("start daemon: %v", err)
			}

			// Wait briefly for it to come up.
			for i := 0; i < 20; i++ {
				time.Sleep(100 * time.Millisecond)
				if info, err := daemon.FindRunningDaemon(); err == nil && daemon.IsDaemonAlive(info.HTTPPort) {
					fmt.Printf("Daemon started (pid %d, port %d)\n", info.PID, info.HTTPPort)
					return nil
				}
			}
			return fail("daemon did not become ready")
		},
	}
}

func daemonRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
				cfg = config.DefaultConfig()
			}

			server, err := daemon.NewServer(cfg, configPath)
			if err != nil {
				return fail("%v", err)
			}
			if err := server.Start(); err != nil {
				return fail("%v", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				fmt.Fprintf(os.Stderr, "Received %v, shutting down\n", sig)
				server.Stop()
			case <-server.Done():
				// Stopped via POST /api/shutdown.
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.GlobalConfigPath(), "path to config file")
	return cmd
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				fmt.Println("Daemon not running")
				return nil
			}
			if err := client.Shutdown(); err != nil {
				return fail("%v", err)
			}

			for i := 0; i < 20; i++ {
				time.Sleep(100 * time.Millisecond)
				if _, err := daemon.FindRunningDaemon(); err != nil {
					fmt.Println("Daemon stopped")
					return nil
				}
			}
			return fail("daemon did not stop")
		},
	}
}

func daemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := daemon.FindRunningDaemon()
			if err != nil || !daemon.IsDaemonAlive(info.HTTPPort) {
				fmt.Println("Daemon not running")
				return &exitError{code: 1}
			}
			fmt.Printf("Running (pid %d, http %d, ws %d, started %s)\n",
				info.PID, info.HTTPPort, info.WSPort, info.StartedAt.Format(time.RFC3339))
			return nil
		},
	}
}
