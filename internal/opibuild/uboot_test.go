package opibuild

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func ubootTestConfig(t *testing.T) *BuildConfig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BuildDir = t.TempDir()
	cfg.OutputDir = filepath.Join(cfg.BuildDir, "output")
	if err := os.MkdirAll(cfg.UBootDir(), 0755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeArtifact(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("bootloader bits"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestUbootArtifactsCombined(t *testing.T) {
	cfg := ubootTestConfig(t)
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "u-boot-rockchip.bin"))

	set, ec := ubootArtifacts(cfg)
	if ec != nil {
		t.Fatalf("ubootArtifacts: %v", ec)
	}
	if set.Combined == "" || set.Loader1 != "" || set.Loader2 != "" {
		t.Errorf("combined binary should win: %+v", set)
	}
}

func TestUbootArtifactsSplitPair(t *testing.T) {
	cfg := ubootTestConfig(t)
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "idbloader.img"))
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "u-boot.itb"))

	set, ec := ubootArtifacts(cfg)
	if ec != nil {
		t.Fatalf("ubootArtifacts: %v", ec)
	}
	if set.Loader1 == "" || set.Loader2 == "" {
		t.Errorf("split pair not detected: %+v", set)
	}
}

func TestUbootArtifactsMissing(t *testing.T) {
	cfg := ubootTestConfig(t)
	_, ec := ubootArtifacts(cfg)
	if ec == nil || ec.Kind != PreconditionMissing {
		t.Fatalf("got %v, want PreconditionMissing", ec)
	}

	// A lone idbloader.img without its u-boot.itb is also unusable.
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "idbloader.img"))
	_, ec = ubootArtifacts(cfg)
	if ec == nil || ec.Kind != PreconditionMissing {
		t.Fatalf("got %v, want PreconditionMissing for half a pair", ec)
	}
}

func TestWriteFlashScript(t *testing.T) {
	cfg := ubootTestConfig(t)
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "idbloader.img"))
	writeArtifact(t, filepath.Join(cfg.UBootDir(), "u-boot.itb"))

	if ec := writeFlashScript(cfg); ec != nil {
		t.Fatalf("writeFlashScript: %v", ec)
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "flash-uboot.sh"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	if !strings.Contains(script, "seek=64") {
		t.Error("script must write the first loader at sector 64")
	}
	if !strings.Contains(script, "seek=16384") {
		t.Error("script must write u-boot.itb at sector 16384")
	}
	if !strings.Contains(script, "conv=notrunc") {
		t.Error("dd must not truncate the target device")
	}

	// The images the script references ship next to it.
	for _, name := range []string{"idbloader.img", "u-boot.itb"} {
		if _, err := os.Stat(filepath.Join(cfg.OutputDir, name)); err != nil {
			t.Errorf("%s was not staged into the output directory", name)
		}
	}
}
