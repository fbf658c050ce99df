package observability

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve exposes reg at /metrics on addr. The listener is bound
// synchronously so a bad address fails the caller instead of a background
// goroutine; the serve loop then runs until the returned server is shut
// down or closed.
func Serve(addr string, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Addr carries the resolved address so callers bound to port 0 can
	// find the listener.
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", srv.Addr))
	return srv, nil
}
