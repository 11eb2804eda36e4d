package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/tracing"
)

// DefaultHandlers serves downloads and statistics. Upload stays unregistered
// so clients get an unsupported command error.
func DefaultHandlers() map[protocol.Command]Handler {
	return map[protocol.Command]Handler{
		protocol.CommandDownload:   DownloadHandler,
		protocol.CommandStatistics: NoopHandler,
	}
}

// NoopHandler accepts the command without doing anything
func NoopHandler(ctx context.Context, req *Request) error {
	return nil
}

// DownloadHandler reads "filename=<name>|" and streams the file back
func DownloadHandler(ctx context.Context, req *Request) error {
	name, err := protocol.ReadDownloadRequest(req.Reader)
	if err != nil {
		req.fail("bad_request")
		req.report(protocol.ParseRequestMessage(err))
		return fmt.Errorf("failed to parse download request: %w", err)
	}
	tracing.AddEvent(ctx, "request.parsed", attribute.String("file.name", name))

	f, size, err := req.Root.Open(name)
	if err != nil {
		reason := openFailure(err)
		req.fail(strings.ReplaceAll(reason, " ", "_"))
		req.report(protocol.OpenFileMessage(name, reason))
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	// The header is in; streaming may take as long as it takes
	req.Conn.SetReadDeadline(time.Time{})

	if err := req.Store.RecordDownload(name); err != nil {
		req.Logger.Error("Failed to record download", map[string]interface{}{"file": name, "error": err})
	}

	start := time.Now()
	buf := make([]byte, req.chunkSize)
	// Hide ReadFrom so the file goes out in chunkSize writes
	n, err := io.CopyBuffer(struct{ io.Writer }{req.Conn}, f, buf)
	if err != nil {
		req.fail("write_failed")
		return fmt.Errorf("failed to send %s after %d bytes: %w", name, n, err)
	}

	if req.Metrics != nil {
		req.Metrics.ObserveDownload(name, n, time.Since(start))
	}
	req.Logger.Info("Download complete", map[string]interface{}{
		"file":     name,
		"size":     size,
		"sent":     n,
		"duration": time.Since(start).String(),
	})
	return nil
}

func openFailure(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "no such file"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	case errors.Is(err, storage.ErrInvalidName):
		return "invalid file name"
	default:
		return "read error"
	}
}

func (r *Request) fail(reason string) {
	if r.Metrics != nil {
		r.Metrics.DownloadFailed(reason)
	}
}

func (r *Request) report(msg string) {
	if err := protocol.ReportError(r.Conn, msg); err != nil {
		r.Logger.Debug("Failed to report error to client", map[string]interface{}{"error": err})
	}
}
