package workers

import (
	"context"
	"log/slog"
	"time"

	"cowatch/observability"
)

// TelemetryWorker refreshes the monitoring snapshot on a fixed interval so
// readers always get recent numbers without paying for collection themselves.
type TelemetryWorker struct {
	log            *slog.Logger
	monitoring     *observability.MonitoringManager
	metricInterval time.Duration
}

func NewTelemetryWorker(log *slog.Logger, monitoring *observability.MonitoringManager, metricInterval time.Duration) *TelemetryWorker {
	if metricInterval <= 0 {
		metricInterval = 10 * time.Second
	}
	return &TelemetryWorker{log: log, monitoring: monitoring, metricInterval: metricInterval}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.monitoring.Refresh()
		}
	}
}
