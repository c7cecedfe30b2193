package workers

import (
	"context"
	"log/slog"
	"time"

	"cowatch/observability"
	"cowatch/repositories"
)

// RetentionWorker deletes messages older than the retention window on a
// fixed interval. It runs one purge immediately on start so a long-stopped
// installation catches up without waiting a full interval.
type RetentionWorker struct {
	log        *slog.Logger
	store      repositories.ILocalStore
	monitoring *observability.MonitoringManager
	retention  time.Duration
	interval   time.Duration
}

func NewRetentionWorker(
	log *slog.Logger,
	store repositories.ILocalStore,
	monitoring *observability.MonitoringManager,
	retention time.Duration,
	interval time.Duration,
) *RetentionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{
		log:        log,
		store:      store,
		monitoring: monitoring,
		retention:  retention,
		interval:   interval,
	}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	if w.retention <= 0 {
		w.log.Info("Retention disabled, keeping all messages")
		return nil
	}

	w.log.Info("Starting retention worker", "retention", w.retention, "interval", w.interval)
	w.purge()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.purge()
		}
	}
}

func (w *RetentionWorker) purge() {
	purged, err := w.store.PurgeOlderThan(w.retention)
	if err != nil {
		w.log.Error("Retention purge failed", "error", err)
		if w.monitoring != nil {
			w.monitoring.IncrErrorCount()
		}
		return
	}
	if purged > 0 {
		w.log.Info("Retention purge complete", "purged", purged)
	}
	if w.monitoring != nil {
		w.monitoring.AddPurged(purged)
	}
}
