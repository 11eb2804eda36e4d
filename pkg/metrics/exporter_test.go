package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExporterCounters(t *testing.T) {
	e := NewExporter()

	e.ObserveDownload("a.txt", 100, 10*time.Millisecond)
	e.ObserveDownload("a.txt", 50, 5*time.Millisecond)
	e.ObserveDownload("b.txt", 1, time.Millisecond)
	e.ConnectionAccepted("download")
	e.ConnectionRejected("rate_limited")
	e.DownloadFailed("not_found")
	e.SetActiveClients(3)
	e.SetSubscribers(1)
	e.FramesSent(4)

	if got := testutil.ToFloat64(e.downloads.WithLabelValues("a.txt")); got != 2 {
		t.Errorf("Expected 2 downloads of a.txt, got %v", got)
	}
	if got := testutil.ToFloat64(e.downloadBytes); got != 151 {
		t.Errorf("Expected 151 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(e.activeClients); got != 3 {
		t.Errorf("Expected 3 active clients, got %v", got)
	}
	if got := testutil.ToFloat64(e.framesSent); got != 4 {
		t.Errorf("Expected 4 frames, got %v", got)
	}
	if got := testutil.ToFloat64(e.rejected.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("Expected 1 rejection, got %v", got)
	}
}

func TestExporterHandler(t *testing.T) {
	e := NewExporter()
	e.ObserveDownload("movie.mp4", 1024, time.Second)

	rr := httptest.NewRecorder()
	e.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rr.Body)
	out := string(body)
	for _, want := range []string{
		`fileserver_downloads_total{file="movie.mp4"} 1`,
		"fileserver_download_bytes_total 1024",
		"fileserver_build_info",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestExportersAreIndependent(t *testing.T) {
	a := NewExporter()
	b := NewExporter()
	a.ConnectionAccepted("download")

	if got := testutil.ToFloat64(b.connections.WithLabelValues("download")); got != 0 {
		t.Errorf("Exporters share state: %v", got)
	}
}
