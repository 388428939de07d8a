// Command dazukofsd runs the Arbitration Core and its simulated
// External Boundary (spec §6) as a standalone daemon: policy processes
// connect to its group/ign/ctrl sockets exactly as they would to the
// original kernel module's device files, and a host integration calls
// into the same process's CheckAccess via the arbiter package directly
// (see subject.Subject and SPEC_FULL.md §3.2/§3.3 for the host
// contract this daemon does not itself implement, since the
// stackable-filesystem half is out of scope per spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/dazukofs/arbiter"
	"github.com/joeycumines/dazukofs/config"
	"github.com/joeycumines/dazukofs/device"
	"github.com/joeycumines/dazukofs/dzlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a TOML config file (optional)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, error, or disabled")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("dazukofsd: %w", err)
	}

	log := dzlog.NewConsole(*logLevel)
	log.Info().
		Str("version", config.Version).
		Str("device_name", cfg.DeviceName).
		Int("group_max", cfg.GroupMax).
		Str("socket_dir", cfg.SocketDir).
		Msg("starting")

	engine := arbiter.New(arbiter.Options{
		GroupMax: cfg.GroupMax,
		Logger:   log,
	})
	srv := device.NewServer(cfg, engine, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("dazukofsd: %w", err)
	}
	log.Info().Msg("shut down cleanly")
	return nil
}
