package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/metrics"
	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/ratelimit"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
)

type testServer struct {
	*Server
	root   *storage.Root
	store  *store.MemoryStore
	cancel context.CancelFunc
	served chan error
}

func startServer(t *testing.T, maxConns int, opts ...Option) *testServer {
	t.Helper()

	root, err := storage.Prepare(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to prepare root: %v", err)
	}
	st := store.NewMemoryStore()

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.MaxConnections = maxConns
	cfg.WriteTimeout = time.Second

	srv, err := New(cfg, root, st, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	srv.RegisterHandlers(DefaultHandlers())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, root: root, store: st, cancel: cancel, served: make(chan error, 1)}
	go func() { ts.served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})
	return ts
}

func (ts *testServer) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(ts.root.Dir(), name), data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func (ts *testServer) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn)
}

// roundTrip sends payload, half-closes and returns everything the server sent
func (ts *testServer) roundTrip(t *testing.T, payload []byte) []byte {
	t.Helper()
	conn := ts.dial(t)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	conn.CloseWrite()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp
}

func downloadPayload(name string) []byte {
	var buf bytes.Buffer
	protocol.WriteCommand(&buf, protocol.CommandDownload)
	protocol.WriteDownloadRequest(&buf, name)
	return buf.Bytes()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestDownload(t *testing.T) {
	ts := startServer(t, 10)

	// Larger than one chunk so the transfer spans several writes
	content := bytes.Repeat([]byte("fileserver "), 500)
	ts.writeFile(t, "download_test_file", content)

	resp := ts.roundTrip(t, downloadPayload("download_test_file"))
	if !bytes.Equal(resp, content) {
		t.Fatalf("Downloaded %d bytes, want %d", len(resp), len(content))
	}

	count, _ := ts.store.Count("download_test_file")
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestDownloadErrors(t *testing.T) {
	ts := startServer(t, 10)

	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{
			name:    "missing file",
			payload: downloadPayload("nope.txt"),
			want:    "Could not open file nope.txt: no such file",
		},
		{
			name:    "traversal",
			payload: downloadPayload("../etc/passwd"),
			want:    "Could not open file ../etc/passwd: invalid file name",
		},
		{
			name:    "no filename header",
			payload: append([]byte{byte(protocol.CommandDownload)}, "garbage"...),
			want:    "Could not parse filename in request: file name not found",
		},
		{
			name:    "empty filename",
			payload: append([]byte{byte(protocol.CommandDownload)}, "filename=|"...),
			want:    "Could not parse filename in request: file name not found",
		},
		{
			name:    "upload",
			payload: []byte{byte(protocol.CommandUpload)},
			want:    "Could not parse command in request: unsupported command type",
		},
		{
			name:    "unknown command",
			payload: []byte{42},
			want:    "Could not parse command in request: unknown command: 42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.roundTrip(t, tt.payload)
			if string(resp) != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, resp)
			}
		})
	}

	all, _ := ts.store.All()
	if len(all) != 0 {
		t.Errorf("Failed requests must not be counted, got %v", all)
	}
}

func TestStatistics(t *testing.T) {
	ts := startServer(t, 10)
	ts.StartStatsReporter(context.Background(), 50*time.Millisecond)

	ts.writeFile(t, "temp_test_file", []byte("statistics"))
	for i := 0; i < 3; i++ {
		ts.roundTrip(t, downloadPayload("temp_test_file"))
	}

	// A download that never sends its header keeps its slot
	delayed := ts.dial(t)
	protocol.WriteCommand(delayed, protocol.CommandDownload)

	sub := ts.dial(t)
	protocol.WriteCommand(sub, protocol.CommandStatistics)

	want := protocol.StatsFrame{ActiveClients: 2, MostDownloaded: "temp_test_file", DownloadCount: 3}
	sub.SetReadDeadline(time.Now().Add(3 * time.Second))

	var got protocol.StatsFrame
	for {
		frame, err := protocol.ReadStatsFrame(sub)
		if err != nil {
			t.Fatalf("Failed to read stats frame (last %+v): %v", got, err)
		}
		got = frame
		if got == want {
			break
		}
	}

	if n := len(ts.Subscribers()); n != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n)
	}
}

func TestStatisticsBeforeAnyDownload(t *testing.T) {
	ts := startServer(t, 10)

	sub := ts.dial(t)
	protocol.WriteCommand(sub, protocol.CommandStatistics)
	waitFor(t, func() bool { return len(ts.Subscribers()) == 1 }, "subscriber")

	if sent := ts.Broadcast(); sent != 1 {
		t.Fatalf("Expected 1 frame sent, got %d", sent)
	}

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadStatsFrame(sub)
	if err != nil {
		t.Fatalf("Failed to read stats frame: %v", err)
	}
	want := protocol.StatsFrame{ActiveClients: 1, MostDownloaded: protocol.NoFiles, DownloadCount: 0}
	if frame != want {
		t.Errorf("Expected %+v, got %+v", want, frame)
	}
}

func TestSubscriberReleasesSlot(t *testing.T) {
	ts := startServer(t, 10)

	sub := ts.dial(t)
	protocol.WriteCommand(sub, protocol.CommandStatistics)
	waitFor(t, func() bool { return ts.ActiveClients() == 1 }, "subscriber slot")

	sub.Close()
	waitFor(t, func() bool { return ts.ActiveClients() == 0 && len(ts.Subscribers()) == 0 }, "slot release")
}

func TestMaxConnections(t *testing.T) {
	ts := startServer(t, 1)
	ts.writeFile(t, "a.txt", []byte("hello"))

	holder := ts.dial(t)
	waitFor(t, func() bool { return ts.ActiveClients() == 1 }, "first slot")

	waiting := ts.dial(t)
	waiting.Write(downloadPayload("a.txt"))
	waiting.CloseWrite()

	waiting.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := waiting.Read(buf); err == nil {
		t.Fatal("Second client was served while the only slot was taken")
	}

	holder.Close()

	waiting.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(waiting)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if string(resp) != "hello" {
		t.Errorf("Expected hello, got %q", resp)
	}
}

func TestRateLimitedPeer(t *testing.T) {
	ts := startServer(t, 10, WithRateLimiter(ratelimit.NewLimiter(0.001, 1)))
	ts.writeFile(t, "a.txt", []byte("hello"))

	if resp := ts.roundTrip(t, downloadPayload("a.txt")); string(resp) != "hello" {
		t.Fatalf("First request should pass, got %q", resp)
	}

	want := "Could not parse command in request: rate limit exceeded"
	if resp := ts.roundTrip(t, downloadPayload("a.txt")); string(resp) != want {
		t.Errorf("Expected %q, got %q", want, resp)
	}
}

func TestMetricsRecorded(t *testing.T) {
	exp := metrics.NewExporter()
	ts := startServer(t, 10, WithMetrics(exp))
	ts.writeFile(t, "m.bin", []byte("12345"))

	ts.roundTrip(t, downloadPayload("m.bin"))
	ts.roundTrip(t, downloadPayload("missing"))

	families, err := exp.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{"fileserver_downloads_total", "fileserver_download_errors_total", "fileserver_connections_total"} {
		if !seen[name] {
			t.Errorf("Metric %s not recorded", name)
		}
	}
}

func TestShutdown(t *testing.T) {
	ts := startServer(t, 10)

	sub := ts.dial(t)
	protocol.WriteCommand(sub, protocol.CommandStatistics)
	waitFor(t, func() bool { return len(ts.Subscribers()) == 1 }, "subscriber")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-ts.served:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	if ts.ActiveClients() != 0 {
		t.Errorf("Expected all slots released, got %d", ts.ActiveClients())
	}
}

func TestSubscriberArrivingDuringShutdown(t *testing.T) {
	ts := startServer(t, 10)

	conn := ts.dial(t)
	waitFor(t, func() bool { return ts.ActiveClients() == 1 }, "slot")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		done <- ts.Shutdown(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	protocol.WriteCommand(conn, protocol.CommandStatistics)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Shutdown blocked: subscribers=%d active=%d", len(ts.Subscribers()), ts.ActiveClients())
	}

	if n := len(ts.Subscribers()); n != 0 {
		t.Errorf("Expected no subscribers after shutdown, got %d", n)
	}
	waitFor(t, func() bool { return ts.ActiveClients() == 0 }, "slot release")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the late subscriber to be disconnected")
	}
}

func TestShutdownUnderLoad(t *testing.T) {
	ts := startServer(t, 4)
	ts.writeFile(t, "load.bin", bytes.Repeat([]byte("x"), 4096))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := net.DialTimeout("tcp", ts.Addr().String(), 200*time.Millisecond)
				if err != nil {
					continue
				}
				conn.Write(downloadPayload("load.bin"))
				conn.SetReadDeadline(time.Now().Add(time.Second))
				io.Copy(io.Discard, conn)
				conn.Close()
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- ts.Shutdown(ctx) }()

	select {
	case <-shutdownErr:
	case <-time.After(4 * time.Second):
		t.Fatal("Shutdown did not return under load")
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-ts.served:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	waitFor(t, func() bool { return ts.ActiveClients() == 0 }, "slot release")
}

func TestNewBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	root, _ := storage.Prepare(t.TempDir())
	cfg := DefaultConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	_, err = New(cfg, root, nil)
	if !errors.Is(err, ErrInit) {
		t.Fatalf("Expected ErrInit, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Could not init file server: ") {
		t.Errorf("Unexpected message %q", err.Error())
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("Expected the bind error to be kept, got %T", errors.Unwrap(err))
	}
}

func TestNewRejectsZeroConnections(t *testing.T) {
	root, _ := storage.Prepare(t.TempDir())
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.MaxConnections = 0

	if _, err := New(cfg, root, nil); !errors.Is(err, ErrInit) {
		t.Fatalf("Expected ErrInit, got %v", err)
	}
}

func TestAddrPort(t *testing.T) {
	ts := startServer(t, 1)
	_, port, err := net.SplitHostPort(ts.Addr().String())
	if err != nil {
		t.Fatalf("Bad address: %v", err)
	}
	if p, _ := strconv.Atoi(port); p == 0 {
		t.Error("Expected an assigned port")
	}
}
