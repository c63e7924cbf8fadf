package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/wachiwi/recarga/pkg/scanner"
	"github.com/wachiwi/recarga/pkg/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// monitor records scanner gauges until ctx is cancelled.
func monitor(ctx context.Context, ctrl *scanner.Controller, preview *server.Preview) {
	meter := otel.Meter("github.com/wachiwi/recarga/cmd/recarga")

	stateGauge, err := meter.Int64Gauge("recarga.scanner.state", metric.WithDescription("Capture state (0=Idle, 1=AwaitingSurface, 2=AwaitingEngine, 3=Scanning, 4=Paused, 5=Destroyed)"))
	if err != nil {
		slog.Error("Failed to create state gauge", "error", err)
		return
	}
	progressGauge, err := meter.Int64Gauge("recarga.bootstrap.progress", metric.WithDescription("Percentage of the engine bootstrap completed"), metric.WithUnit("%"))
	if err != nil {
		slog.Error("Failed to create progress gauge", "error", err)
		return
	}
	viewersGauge, err := meter.Int64Gauge("recarga.preview.viewers", metric.WithDescription("Connected preview clients"))
	if err != nil {
		slog.Error("Failed to create viewers gauge", "error", err)
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := ctrl.Status()
			stateGauge.Record(ctx, int64(st.State),
				metric.WithAttributes(attribute.String("state_text", st.State.String()), attribute.String("engine", st.Engine.String())))
			if st.Progress != nil {
				progressGauge.Record(ctx, int64(st.Progress.Percent))
			}
			viewersGauge.Record(ctx, int64(preview.Viewers()))
			slog.Debug("Recorded metrics", "state", st.State, "engine", st.Engine, "viewers", preview.Viewers())
		}
	}
}
