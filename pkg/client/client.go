// Package client talks to a file server over TCP. Every operation uses its
// own connection because the server reads one command per connection.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/retry"
)

// ServerError is a message the server sent instead of the requested data
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client dials a file server
type Client struct {
	addr        string
	tlsConfig   *tls.Config
	retry       retry.Config
	dialTimeout time.Duration
}

// Option customises a Client
type Option func(*Client)

// WithTLS dials with TLS
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithRetry replaces the dial retry policy
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// New creates a client for the server at addr (host:port)
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		retry:       retry.DefaultConfig(),
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the server address
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	err := retry.Do(ctx, c.retry, func() error {
		d := &net.Dialer{Timeout: c.dialTimeout}

		var err error
		if c.tlsConfig != nil {
			td := &tls.Dialer{NetDialer: d, Config: c.tlsConfig}
			conn, err = td.DialContext(ctx, "tcp", c.addr)
		} else {
			conn, err = d.DialContext(ctx, "tcp", c.addr)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	return conn, nil
}

// closeOnCancel closes conn when ctx ends so blocked reads return
func closeOnCancel(ctx context.Context, conn net.Conn) func() bool {
	return context.AfterFunc(ctx, func() { conn.Close() })
}

// Download streams name into w and returns the number of bytes written. A
// server error message is returned as *ServerError with nothing written.
// The protocol has no status byte, so a file whose content starts with
// protocol.ErrorPrefix is also reported as a *ServerError.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()

	if err := protocol.WriteCommand(conn, protocol.CommandDownload); err != nil {
		return 0, fmt.Errorf("failed to send command: %w", err)
	}
	if err := protocol.WriteDownloadRequest(conn, name); err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}

	r := bufio.NewReaderSize(conn, protocol.MaxRequestSize)
	if msg, ok := peekServerError(r); ok {
		return 0, &ServerError{Message: msg}
	}

	n, err := io.Copy(w, r)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("download of %s interrupted after %d bytes: %w", name, n, err)
	}
	return n, nil
}

// peekServerError looks at the start of a response. Error messages are
// short and followed by the server closing the connection.
func peekServerError(r *bufio.Reader) (string, bool) {
	head, _ := r.Peek(r.Size())
	if !protocol.IsErrorMessage(head) {
		return "", false
	}
	msg, _ := io.ReadAll(io.LimitReader(r, protocol.MaxRequestSize))
	return string(msg), true
}

// Subscribe opens a statistics subscription. Frames arrive on the first
// channel until ctx is cancelled or the connection fails; the error channel
// then receives at most one error and both channels are closed.
func (c *Client) Subscribe(ctx context.Context) (<-chan protocol.StatsFrame, <-chan error) {
	frames := make(chan protocol.StatsFrame)
	errs := make(chan error, 1)

	conn, err := c.dial(ctx)
	if err != nil {
		errs <- err
		close(frames)
		close(errs)
		return frames, errs
	}

	go func() {
		defer close(errs)
		defer close(frames)
		defer conn.Close()
		stop := closeOnCancel(ctx, conn)
		defer stop()

		if err := protocol.WriteCommand(conn, protocol.CommandStatistics); err != nil {
			errs <- fmt.Errorf("failed to send command: %w", err)
			return
		}

		r := bufio.NewReader(conn)
		if isErrorResponse(r) {
			msg, _ := io.ReadAll(io.LimitReader(r, protocol.MaxRequestSize))
			errs <- &ServerError{Message: string(msg)}
			return
		}

		for {
			frame, err := protocol.ReadStatsFrame(r)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					errs <- err
				}
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, errs
}

// isErrorResponse checks the start of a statistics stream for an error
// message. A frame can be shorter than the error prefix, so the full prefix
// is only waited for when the first byte matches it.
func isErrorResponse(r *bufio.Reader) bool {
	first, err := r.Peek(1)
	if err != nil || first[0] != protocol.ErrorPrefix[0] {
		return false
	}
	head, err := r.Peek(len(protocol.ErrorPrefix))
	return err == nil && protocol.IsErrorMessage(head)
}

// Stats reads a single statistics frame
func (c *Client) Stats(ctx context.Context) (protocol.StatsFrame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, errs := c.Subscribe(ctx)
	select {
	case f, ok := <-frames:
		if ok {
			return f, nil
		}
		if err := <-errs; err != nil {
			return protocol.StatsFrame{}, err
		}
		return protocol.StatsFrame{}, io.ErrUnexpectedEOF
	case <-ctx.Done():
		return protocol.StatsFrame{}, ctx.Err()
	}
}
