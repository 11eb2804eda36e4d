package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/fileserver/pkg/client"
	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/protocol"
	"github.com/psantana5/fileserver/pkg/server"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
)

// execute runs the root command with args and returns what it wrote to stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Flag variables keep values between runs
	outputFormat = "table"
	serverAddr = ""
	downloadOutput = ""
	statsCount = 1
	statsWatch = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func startServer(t *testing.T, files map[string]string) string {
	t.Helper()

	root, err := storage.Prepare(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to prepare root: %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root.Dir(), name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	cfg := server.DefaultConfig()
	cfg.Port = 0
	srv, err := server.New(cfg, root, store.NewMemoryStore(), server.WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	srv.RegisterHandlers(server.DefaultHandlers())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	srv.StartStatsReporter(ctx, 20*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})
	return srv.Addr().String()
}

func TestDownloadCommand(t *testing.T) {
	addr := startServer(t, map[string]string{"hello.txt": "hello_from_file_Server!"})
	dir := t.TempDir()

	tests := []struct {
		name     string
		args     []string
		wantOut  string
		wantFile string
		wantErr  string
	}{
		{
			name:    "stdout",
			args:    []string{"download", "hello.txt"},
			wantOut: "hello_from_file_Server!",
		},
		{
			name:     "output file",
			args:     []string{"download", "hello.txt", "-O", filepath.Join(dir, "copy.txt")},
			wantFile: filepath.Join(dir, "copy.txt"),
		},
		{
			name:    "missing file",
			args:    []string{"download", "missing.txt", "-O", filepath.Join(dir, "missing.txt")},
			wantErr: "Could not open file missing.txt: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append(tt.args, "--server", addr)...)

			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("Expected error %q, got %v", tt.wantErr, err)
				}
				if _, statErr := os.Stat(filepath.Join(dir, "missing.txt")); !os.IsNotExist(statErr) {
					t.Error("Partial output file should be removed on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Download failed: %v", err)
			}
			if out != tt.wantOut {
				t.Errorf("Expected stdout %q, got %q", tt.wantOut, out)
			}
			if tt.wantFile != "" {
				data, err := os.ReadFile(tt.wantFile)
				if err != nil {
					t.Fatalf("Failed to read output file: %v", err)
				}
				if string(data) != "hello_from_file_Server!" {
					t.Errorf("Unexpected file content %q", data)
				}
			}
		})
	}
}

func TestStatsCommand(t *testing.T) {
	addr := startServer(t, map[string]string{"popular.txt": "x"})

	c := client.New(addr)
	if _, err := c.Download(context.Background(), "popular.txt", io.Discard); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "stats", "-o", "json", "--server", addr)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}

		var row struct {
			protocol.StatsFrame
			Time string `json:"time"`
		}
		if err := json.Unmarshal([]byte(out), &row); err != nil {
			t.Fatalf("Failed to decode output %q: %v", out, err)
		}
		if row.MostDownloaded != "popular.txt" || row.DownloadCount != 1 || row.ActiveClients != 1 {
			t.Errorf("Unexpected frame %+v", row.StatsFrame)
		}
		if row.Time == "" {
			t.Error("Expected a timestamp")
		}
	})

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "stats", "-n", "2", "--server", addr)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if n := strings.Count(out, "popular.txt"); n != 2 {
			t.Errorf("Expected 2 rows for popular.txt, got %d in:\n%s", n, out)
		}
	})
}

func TestFilesCommand(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "report.pdf"), []byte("pdf"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "counts.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	st.RecordDownload("report.pdf")
	st.RecordDownload("report.pdf")
	st.Close()

	t.Setenv("FILESERVER_STORAGE_ROOT", root)
	t.Setenv("FILESERVER_STORE_TYPE", "sqlite")
	t.Setenv("FILESERVER_STORE_PATH", dbPath)

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "files", "-o", "json")
		if err != nil {
			t.Fatalf("files failed: %v", err)
		}

		var rows []struct {
			Name      string `json:"name"`
			Size      int64  `json:"size"`
			Digest    string `json:"blake3"`
			Downloads int64  `json:"downloads"`
		}
		if err := json.Unmarshal([]byte(out), &rows); err != nil {
			t.Fatalf("Failed to decode output %q: %v", out, err)
		}
		if len(rows) != 1 {
			t.Fatalf("Expected 1 file, got %d", len(rows))
		}
		if rows[0].Name != "report.pdf" || rows[0].Size != 3 || rows[0].Downloads != 2 || len(rows[0].Digest) != 64 {
			t.Errorf("Unexpected row %+v", rows[0])
		}
	})

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "files")
		if err != nil {
			t.Fatalf("files failed: %v", err)
		}
		if !strings.Contains(out, "report.pdf") || !strings.Contains(out, "Total files: 1") {
			t.Errorf("Unexpected table output:\n%s", out)
		}
	})

	t.Run("empty root", func(t *testing.T) {
		empty := t.TempDir()
		t.Setenv("FILESERVER_STORAGE_ROOT", empty)

		out, err := execute(t, "files")
		if err != nil {
			t.Fatalf("files failed: %v", err)
		}
		if !strings.Contains(out, "No files in") {
			t.Errorf("Unexpected output %q", out)
		}
	})
}
