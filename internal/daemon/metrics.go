package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// startMetricsServer serves /metrics on listen. An empty address disables it.
func (d *Daemon) startMetricsServer(listen string) {
	if listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		slog.Error("Failed to start metrics server", "listen", listen, "error", err)
		return
	}

	d.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Serving metrics", "address", ln.Addr().String())

	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", "error", err)
		}
	}()
}

func (d *Daemon) stopMetricsServer() {
	if d.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.metricsServer.Shutdown(ctx); err != nil {
		slog.Warn("Failed to stop metrics server", "error", err)
	}
}
