// Package server implements the TCP file server: a bounded accept loop that
// dispatches each connection on its leading command byte.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/semaphore"

	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/metrics"
	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/ratelimit"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
	"github.com/psantana5/fileserver/pkg/tracing"
)

var (
	// ErrInit matches every *InitError
	ErrInit = errors.New("could not init file server")
	// ErrServerClosed is returned by Serve after Shutdown or context cancellation
	ErrServerClosed = errors.New("file server closed")
)

// InitError is returned by New when the server cannot start
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return protocol.InitServerMessage(e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

func (e *InitError) Is(target error) bool {
	return target == ErrInit
}

// Config holds the listener and connection limits
type Config struct {
	Address        string        `mapstructure:"address" json:"address" yaml:"address"`
	Port           int           `mapstructure:"port" json:"port" yaml:"port"`
	MaxConnections int           `mapstructure:"max_connections" json:"max_connections" yaml:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"` // 0 waits forever for the request
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	ChunkSize      int           `mapstructure:"chunk_size" json:"chunk_size" yaml:"chunk_size"`
}

// DefaultConfig mirrors the stock deployment: 127.0.0.1:8089, 10 slots
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1",
		Port:           8089,
		MaxConnections: 10,
		WriteTimeout:   5 * time.Second,
		ChunkSize:      1024,
	}
}

// Request is what a Handler gets for one connection
type Request struct {
	ID      string
	Command protocol.Command
	Conn    net.Conn
	Reader  *bufio.Reader
	Root    *storage.Root
	Store   store.Store
	Logger  *logging.Logger
	Metrics *metrics.Exporter

	chunkSize int
}

// Handler serves one command on one connection. The server closes the
// connection once the handler returns, except for statistics subscribers.
type Handler func(ctx context.Context, req *Request) error

// Server is a TCP file server
type Server struct {
	cfg       Config
	root      *storage.Root
	store     store.Store
	logger    *logging.Logger
	metrics   *metrics.Exporter
	limiter   *ratelimit.Limiter
	tracer    *tracing.Provider
	tlsConfig *tls.Config

	listener net.Listener
	slots    *semaphore.Weighted
	inUse    atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[protocol.Command]Handler

	subsMu      sync.RWMutex
	subscribers map[string]*subscriber

	connsMu sync.Mutex
	conns   map[string]net.Conn

	// mu orders wg.Add in Serve against closing in Shutdown
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New binds the listening socket and returns a server ready to Serve
func New(cfg Config, root *storage.Root, st store.Store, opts ...Option) (*Server, error) {
	if cfg.MaxConnections < 1 {
		return nil, &InitError{Err: errors.New("max connections must be at least 1")}
	}
	if root == nil {
		return nil, &InitError{Err: errors.New("no root directory")}
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}

	s := &Server{
		cfg:         cfg,
		root:        root,
		store:       st,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		handlers:    make(map[protocol.Command]Handler),
		subscribers: make(map[string]*subscriber),
		conns:       make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(logging.INFO, false)
	}
	s.logger = s.logger.WithField("component", "server")
	if s.tracer == nil {
		s.tracer = tracing.NewProvider(sdktrace.NewTracerProvider(), "fileserver")
	}

	if s.listener == nil {
		addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, &InitError{Err: err}
		}
		s.listener = ln
	}
	if s.tlsConfig != nil {
		s.listener = tls.NewListener(s.listener, s.tlsConfig)
	}

	return s, nil
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Handle registers h for cmd, replacing any previous handler
func (s *Server) Handle(cmd protocol.Command, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.logger.Info("Registering handler", map[string]interface{}{"command": cmd.String()})
	s.handlers[cmd] = h
}

// RegisterHandlers registers every handler in handlers
func (s *Server) RegisterHandlers(handlers map[protocol.Command]Handler) {
	for cmd, h := range handlers {
		s.Handle(cmd, h)
	}
}

func (s *Server) handler(cmd protocol.Command) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[cmd]
	return h, ok
}

// ActiveClients returns the number of slots in use
func (s *Server) ActiveClients() int {
	return int(s.inUse.Load())
}

// MaxConnections returns the slot capacity
func (s *Server) MaxConnections() int {
	return s.cfg.MaxConnections
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// It always returns a non-nil error; ErrServerClosed after a clean stop.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("File server listening", map[string]interface{}{
		"addr":            s.Addr().String(),
		"max_connections": s.cfg.MaxConnections,
		"root":            s.root.Dir(),
	})

	stop := context.AfterFunc(ctx, func() {
		s.markClosing()
		s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Accept timeout", map[string]interface{}{"error": err})
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if s.limiter != nil && !s.limiter.Allow(ratelimit.AddrKey(conn.RemoteAddr())) {
			s.reject(conn, "rate_limited", protocol.ParseCommandMessage("rate limit exceeded"))
			continue
		}

		// Wait for a free slot before reading anything from the client
		if err := s.slots.Acquire(ctx, 1); err != nil {
			conn.Close()
			return ErrServerClosed
		}
		s.slotTaken()

		if !s.startConn() {
			conn.Close()
			s.releaseSlot()
			return ErrServerClosed
		}
		go s.serveConn(ctx, conn)
	}
}

// startConn registers a connection with the drain group unless the server
// is closing
func (s *Server) startConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) markClosing() {
	s.mu.Lock()
	s.closing.Store(true)
	s.mu.Unlock()
}

func (s *Server) reject(conn net.Conn, reason, msg string) {
	s.logger.Warn("Rejecting connection", map[string]interface{}{
		"remote": conn.RemoteAddr().String(),
		"reason": reason,
	})
	if s.metrics != nil {
		s.metrics.ConnectionRejected(reason)
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	protocol.ReportError(conn, msg)
	conn.Close()
}

func (s *Server) slotTaken() {
	n := s.inUse.Add(1)
	if s.metrics != nil {
		s.metrics.SetActiveClients(int(n))
	}
}

func (s *Server) releaseSlot() {
	n := s.inUse.Add(-1)
	s.slots.Release(1)
	if s.metrics != nil {
		s.metrics.SetActiveClients(int(n))
	}
}

func (s *Server) track(id string, conn net.Conn) {
	s.connsMu.Lock()
	s.conns[id] = conn
	s.connsMu.Unlock()
}

func (s *Server) untrack(id string) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

// serveConn owns one slot for the lifetime of the connection
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	logger := s.logger.WithField("conn_id", id)
	s.track(id, conn)

	ctx, span := s.tracer.StartSpan(ctx, "fileserver.connection",
		attribute.String("conn.id", id),
		attribute.String("net.peer.addr", conn.RemoteAddr().String()),
	)
	defer span.End()

	subscribed := false
	defer func() {
		if subscribed {
			return
		}
		s.untrack(id)
		conn.Close()
		s.releaseSlot()
	}()

	logger.Debug("Handling incoming connection", map[string]interface{}{"remote": conn.RemoteAddr().String()})

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	reader := bufio.NewReader(conn)
	cmd, err := protocol.ReadCommand(reader)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownCommand) {
			s.reportCommandError(conn, logger, err.Error())
		} else {
			logger.Debug("Client went away before sending a command", map[string]interface{}{"error": err})
		}
		tracing.SetError(ctx, err)
		return
	}
	span.SetAttributes(attribute.String("fileserver.command", cmd.String()))

	h, ok := s.handler(cmd)
	if !ok {
		s.reportCommandError(conn, logger, "unsupported command type")
		return
	}
	if s.metrics != nil {
		s.metrics.ConnectionAccepted(cmd.String())
	}

	req := &Request{
		ID:        id,
		Command:   cmd,
		Conn:      conn,
		Reader:    reader,
		Root:      s.root,
		Store:     s.store,
		Logger:    logger,
		Metrics:   s.metrics,
		chunkSize: s.cfg.ChunkSize,
	}

	if err := h(ctx, req); err != nil {
		logger.Warn("Handler failed", map[string]interface{}{"command": cmd.String(), "error": err})
		tracing.SetError(ctx, err)
		return
	}

	if cmd == protocol.CommandStatistics {
		s.untrack(id)
		subscribed = true
		s.subscribe(id, conn, reader, logger)
	}
}

func (s *Server) reportCommandError(conn net.Conn, logger *logging.Logger, reason string) {
	logger.Warn("Rejecting command", map[string]interface{}{"reason": reason})
	if s.metrics != nil {
		s.metrics.ConnectionRejected("bad_command")
	}
	if err := protocol.ReportError(conn, protocol.ParseCommandMessage(reason)); err != nil {
		logger.Debug("Failed to report error to client", map[string]interface{}{"error": err})
	}
}

// Shutdown stops accepting connections, drops statistics subscribers and
// waits for in-flight downloads. Remaining connections are closed when ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.markClosing()
	s.listener.Close()
	s.closeSubscribers()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("File server stopped")
		return nil
	case <-ctx.Done():
		s.closeSubscribers()
		s.connsMu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
		<-done
		return ctx.Err()
	}
}
