package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServeMetrics exposes the Prometheus scrape endpoint on its own port.
func ServeMetrics(port int, logger *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Infow("prometheus metrics enabled", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorw("metrics server failed", "error", err)
	}
}
