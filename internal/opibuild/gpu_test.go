package opibuild

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadFileCreatesCacheDir(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("mali blob payload"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BuildDir = t.TempDir()
	env := testEnv(t, cfg)

	// The cache directory does not exist yet; the download must create it.
	dest := filepath.Join(cfg.MaliDir(), "libmali-valhall-g610.so")
	if ec := downloadFile(context.Background(), env, srv.URL, dest); ec != nil {
		t.Fatalf("downloadFile: %v", ec)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mali blob payload" {
		t.Errorf("downloaded content = %q", data)
	}
	if _, err := os.Stat(dest + ".b3"); err != nil {
		t.Error("checksum sidecar missing after download")
	}

	// A rerun verifies the sidecar and skips the transfer.
	if ec := downloadFile(context.Background(), env, srv.URL, dest); ec != nil {
		t.Fatalf("rerun: %v", ec)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, a verified file must not be re-fetched", hits)
	}
}

func TestDownloadFileRefetchesOnCorruption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("firmware"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BuildDir = t.TempDir()
	env := testEnv(t, cfg)

	dest := filepath.Join(cfg.MaliDir(), "mali_csffw.bin")
	if ec := downloadFile(context.Background(), env, srv.URL, dest); ec != nil {
		t.Fatalf("downloadFile: %v", ec)
	}
	if err := os.WriteFile(dest, []byte("truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	if ec := downloadFile(context.Background(), env, srv.URL, dest); ec != nil {
		t.Fatalf("re-download: %v", ec)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "firmware" {
		t.Errorf("content after re-download = %q", data)
	}
}

func TestDownloadFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BuildDir = t.TempDir()
	env := testEnv(t, cfg)

	ec := downloadFile(context.Background(), env, srv.URL, filepath.Join(cfg.MaliDir(), "blob"))
	if ec == nil || ec.Kind != NetworkFailure {
		t.Fatalf("got %v, want NetworkFailure for HTTP 404", ec)
	}
}
