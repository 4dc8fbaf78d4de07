// Command mobilesim runs the virtual UICC (C7): it dials the admin
// server over PSK-TLS, plays the GlobalPlatform pull protocol as the
// card, and answers the commands it receives with a small simulated
// applet, optionally perturbed by a scripted behavior (error
// injection or response stalling). Grounded on cmd/adminserver's
// Application/waitForShutdown lifecycle, trimmed to the one
// component a standalone simulator client needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/mobilesim"
)

const (
	exitOK       = 0
	exitBadConfig = 4
	exitRunFailed = 1
)

var scenarioPath = flag.String("scenario", "configs/mobilesim.yaml", "path to scenario file")

func main() {
	flag.Parse()

	sc, err := mobilesim.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobilesim: %v\n", err)
		os.Exit(exitBadConfig)
	}

	cfg, err := sc.ClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobilesim: %v\n", err)
		os.Exit(exitBadConfig)
	}

	log, err := logger.New(logger.Config{Level: "info", Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobilesim: logger init: %v\n", err)
		os.Exit(exitBadConfig)
	}

	client := mobilesim.NewClient(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	log.Info("mobilesim starting", "identity", cfg.Identity, "server_addr", cfg.ServerAddr)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("mobilesim run failed", err)
		os.Exit(exitRunFailed)
	}
	log.Info("mobilesim stopped")
	os.Exit(exitOK)
}
