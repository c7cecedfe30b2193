package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"cowatch/internal"
	"cowatch/relayserver"
	"cowatch/runtime/workers"
)

type Config struct {
	ListenAddr      string        `env:"RELAY_LISTEN_ADDR,default=0.0.0.0:7420"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=200ms"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := internal.NewLogger(config.LogLevel)

	hub := relayserver.NewHub(log)
	app := relayserver.NewApp(hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The hub runs supervised so a routing panic never kills the daemon.
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(hub)
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	errChan := make(chan error, 1)
	go func() {
		log.Info("Relay listening", "address", config.ListenAddr)
		if err := app.Listen(config.ListenAddr); err != nil {
			errChan <- fmt.Errorf("relay server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down relay...")
	case err := <-errChan:
		return err
	}

	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn("Forced shutdown", "error", err)
	}
	select {
	case <-supDone:
	case <-time.After(5 * time.Second):
		log.Warn("Hub did not stop in time")
	}
	return nil
}
