package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the vault API server and its metrics listener.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is where Prometheus metrics are served. Empty disables it.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain keeps the server up but not ready,
	// so load balancers stop routing to it before shutdown.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// RequestTimeout bounds the handling of one API request, including store
	// retries. Zero disables the limit.
	RequestTimeout time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
}
