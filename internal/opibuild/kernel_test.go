package opibuild

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKernelReleaseFallsBackToConfig(t *testing.T) {
	cfg := DefaultConfig()
	env := testEnv(t, cfg)

	if got := env.kernelRelease(); got != cfg.KernelVersion {
		t.Errorf("kernelRelease = %q, want the configured %q before a build", got, cfg.KernelVersion)
	}

	env.KernelRelease = "6.8.12-rockchip"
	if got := env.kernelRelease(); got != "6.8.12-rockchip" {
		t.Errorf("kernelRelease = %q, want the detected release", got)
	}
	if cfg.KernelVersion == "6.8.12-rockchip" {
		t.Error("detecting the built release must not rewrite the configuration")
	}
}

func TestKernelMakeEnv(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.kernelMakeEnv()
	want := []string{"ARCH=arm64", "CROSS_COMPILE=aarch64-linux-gnu-"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("kernelMakeEnv[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestAppendKernelOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".config")
	if err := os.WriteFile(path, []byte("CONFIG_EXISTING=y\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if ec := appendKernelOptions(path, []string{"CONFIG_DRM_PANFROST=m", "CONFIG_ARCH_ROCKCHIP=y"}); ec != nil {
		t.Fatalf("appendKernelOptions: %v", ec)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "CONFIG_EXISTING=y\nCONFIG_DRM_PANFROST=m\nCONFIG_ARCH_ROCKCHIP=y\n"
	if string(data) != want {
		t.Errorf("config after append:\n%s\nwant:\n%s", data, want)
	}
}

func TestAppendKernelOptionsMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".config")
	ec := appendKernelOptions(path, rk3588ConfigOptions)
	if ec == nil || ec.Kind != PreconditionMissing {
		t.Fatalf("got %v, want PreconditionMissing for an absent .config", ec)
	}
}
