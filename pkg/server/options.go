package server

import (
	"crypto/tls"
	"net"

	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/metrics"
	"github.com/psantana5/fileserver/pkg/ratelimit"
	"github.com/psantana5/fileserver/pkg/tracing"
)

// Option customises a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches a Prometheus exporter
func WithMetrics(e *metrics.Exporter) Option {
	return func(s *Server) { s.metrics = e }
}

// WithRateLimiter limits new connections per peer IP
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithTracer records a span per connection
func WithTracer(p *tracing.Provider) Option {
	return func(s *Server) { s.tracer = p }
}

// WithTLS serves connections over TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithListener serves on an existing listener instead of binding
// Config.Address:Config.Port.
func WithListener(l net.Listener) Option {
	return func(s *Server) { s.listener = l }
}
