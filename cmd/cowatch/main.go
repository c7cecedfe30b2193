package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"cowatch/identity"
	"cowatch/internal"
	"cowatch/observability"
	"cowatch/repositories"
	"cowatch/runtime/workers"
	"cowatch/session"
	"cowatch/transport"
	"cowatch/transport/mesh"
	"cowatch/transport/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the client lifecycle, and centralizes error reporting.
// This pattern is preferred over calling os.Exit or panic directly because:
// 1. It ensures all 'defer' statements (like database cleanup) are executed before the program exits.
// 2. It improves testability by decoupling the initialization logic from the main entry point.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := internal.NewLogger(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Search index (Bluge)
	blugeCfg := bluge.DefaultConfig(config.BlugeFilepath)
	blugeWriter, err := bluge.OpenWriter(blugeCfg)
	if err != nil {
		return fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing search index...")
		_ = blugeWriter.Close()
	}()

	// 4. Repositories & store
	messages := repositories.NewMessageRepository(db, log)
	rooms := repositories.NewRoomRepository(db)
	index := repositories.NewSearchIndex(blugeWriter, log)
	store := repositories.NewLocalStore(messages, rooms, index, log, config.MessageLimit)
	identities := repositories.NewIdentityRepository(db)
	identityManager := identity.NewManager(identities, log)

	// 5. Transports, in preference order
	transports, err := buildTransports(config, log)
	if err != nil {
		return err
	}

	// 6. Session
	manager := session.NewManager(identityManager, store, transports, session.Options{
		ConnectTimeout: config.ConnectTimeout,
		SendTimeout:    config.SendTimeout,
	}, log)

	// 7. Observability & background workers
	monitoring := observability.NewMonitoringManager(log)
	statsSub := manager.Subscribe(monitoring)
	defer statsSub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(
		workers.NewRetentionWorker(log, store, monitoring, config.Retention, config.PurgeInterval),
		workers.NewTelemetryWorker(log, monitoring, config.MetricInterval),
	)
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	if config.DebugPort > 0 {
		internal.StartDebugServer(db, config.DebugPort, "/inspect", nil, func() map[string]any {
			stats := monitoring.GetLatest()
			return map[string]any{
				"sent":     stats.MessagesSent,
				"received": stats.MessagesReceived,
				"purged":   stats.PurgedMessages,
			}
		})
		log.Info("Inspector available", "url", fmt.Sprintf("http://localhost:%d/inspect", config.DebugPort))
	}

	// 8. Interactive loop until signal or /quit
	repl := newRepl(manager, identityManager, store, monitoring, log)
	replErr := repl.Run(ctx)

	_ = manager.Leave()
	stop()
	select {
	case <-supDone:
	case <-time.After(5 * time.Second):
		log.Warn("Workers did not stop in time")
	}
	return replErr
}

// buildTransports assembles the preference-ordered transport list from the
// configuration. Mesh comes first when configured; relay is the fallback.
// A session keeps whichever transport connected first.
func buildTransports(config internal.Config, log *slog.Logger) ([]transport.Transport, error) {
	var transports []transport.Transport

	if config.MeshListenAddr != "" {
		peers, err := mesh.ParsePeerList(config.MeshPeers)
		if err != nil {
			return nil, fmt.Errorf("mesh peers: %w", err)
		}
		transports = append(transports, mesh.New(log, mesh.TCPNetwork{}, mesh.NewStaticDiscovery(peers), mesh.Options{
			ListenAddr:     config.MeshListenAddr,
			BackoffInitial: config.DialBackoff,
			BackoffMax:     config.DialBackoffMax,
			MaxRetries:     config.DialRetries,
		}))
	}

	if config.RelayURL != "" {
		transports = append(transports, relay.New(log, relay.Options{
			URL:          config.RelayURL,
			DialTimeout:  config.ConnectTimeout,
			WriteTimeout: config.SendTimeout,
		}))
	}

	if len(transports) == 0 {
		return nil, fmt.Errorf("no transport configured: set MESH_LISTEN_ADDR or RELAY_URL")
	}
	return transports, nil
}
