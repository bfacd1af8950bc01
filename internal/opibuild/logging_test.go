package opibuild

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestLogger(t *testing.T, threshold Level) (*Logger, string, string) {
	t.Helper()
	dir := t.TempDir()
	full := filepath.Join(dir, "full.log")
	errs := filepath.Join(dir, "errors.log")
	log, err := OpenLogger(full, errs, threshold)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return log, full, errs
}

func TestLoggerDualSinks(t *testing.T) {
	log, full, errs := openTestLogger(t, LevelDebug)

	log.Infof("build-kernel", "compiling with 8 jobs")
	log.Errorf("assemble-image", "mkfs failed")

	fullData, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(fullData), "compiling with 8 jobs") {
		t.Error("info line missing from the full log")
	}
	if !strings.Contains(string(fullData), "mkfs failed") {
		t.Error("error line missing from the full log")
	}

	errData, err := os.ReadFile(errs)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(errData), "compiling with 8 jobs") {
		t.Error("info line leaked into the error log")
	}
	if !strings.Contains(string(errData), "mkfs failed") {
		t.Error("error line missing from the error log")
	}
}

func TestLoggerThreshold(t *testing.T) {
	log, full, _ := openTestLogger(t, LevelWarning)

	log.Debugf("", "noisy detail")
	log.Infof("", "routine progress")
	log.Warnf("", "worth noting")

	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "noisy detail") || strings.Contains(string(data), "routine progress") {
		t.Error("lines below the threshold were written")
	}
	if !strings.Contains(string(data), "worth noting") {
		t.Error("warning above the threshold was dropped")
	}
}

func TestLoggerLineFormat(t *testing.T) {
	log, full, _ := openTestLogger(t, LevelDebug)

	log.Infof("fetch-kernel-source", "cloning")
	log.Infof("", "no stage attached")

	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "[INFO] fetch-kernel-source: cloning") {
		t.Errorf("line %q missing level and stage", lines[0])
	}
	if !strings.Contains(lines[1], "opibuild: no stage attached") {
		t.Errorf("line %q should fall back to the program name", lines[1])
	}
}

func TestLoggerContext(t *testing.T) {
	log, _, errs := openTestLogger(t, LevelDebug)

	ec := Errorf(ResourceUnavailable, "loop device pool exhausted").InStage("assemble-image")
	log.Context(ec)

	data, err := os.ReadFile(errs)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "assemble-image") || !strings.Contains(got, "loop device pool exhausted") {
		t.Errorf("error log %q missing stage or message", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warning", LevelWarning},
		{"error", LevelError},
		{"critical", LevelCritical},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
