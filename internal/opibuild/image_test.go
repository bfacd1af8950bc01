package opibuild

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteBootloaderOffsets(t *testing.T) {
	cfg := ubootTestConfig(t)
	loader1 := []byte("first stage loader")
	loader2 := []byte("second stage u-boot")
	if err := os.WriteFile(filepath.Join(cfg.UBootDir(), "idbloader.img"), loader1, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.UBootDir(), "u-boot.itb"), loader2, 0644); err != nil {
		t.Fatal(err)
	}

	imagePath := filepath.Join(cfg.BuildDir, "disk.img")
	img, err := os.Create(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Truncate(32 << 20); err != nil {
		t.Fatal(err)
	}
	img.Close()

	env := testEnv(t, cfg)
	if ec := writeBootloader(env, imagePath); ec != nil {
		t.Fatalf("writeBootloader: %v", ec)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if got := data[Loader1ByteOffset : Loader1ByteOffset+int64(len(loader1))]; !bytes.Equal(got, loader1) {
		t.Errorf("loader1 not found at byte offset %d", Loader1ByteOffset)
	}
	if got := data[Loader2ByteOffset : Loader2ByteOffset+int64(len(loader2))]; !bytes.Equal(got, loader2) {
		t.Errorf("loader2 not found at byte offset %d", Loader2ByteOffset)
	}
	// Nothing before the first loader region may be touched.
	for _, b := range data[:Loader1ByteOffset] {
		if b != 0 {
			t.Fatal("bytes before sector 64 must stay zero for the GPT")
		}
	}
}

func TestWriteBootloaderCombined(t *testing.T) {
	cfg := ubootTestConfig(t)
	combined := []byte("combined rockchip bootloader")
	if err := os.WriteFile(filepath.Join(cfg.UBootDir(), "u-boot-rockchip.bin"), combined, 0644); err != nil {
		t.Fatal(err)
	}

	imagePath := filepath.Join(cfg.BuildDir, "disk.img")
	img, err := os.Create(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Truncate(16 << 20); err != nil {
		t.Fatal(err)
	}
	img.Close()

	env := testEnv(t, cfg)
	if ec := writeBootloader(env, imagePath); ec != nil {
		t.Fatalf("writeBootloader: %v", ec)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	if got := data[Loader1ByteOffset : Loader1ByteOffset+int64(len(combined))]; !bytes.Equal(got, combined) {
		t.Errorf("combined image not found at byte offset %d", Loader1ByteOffset)
	}
}

// recordingRunner collects every command it is asked to run.
type recordingRunner struct {
	cmds []Command
}

func (r *recordingRunner) Run(ctx context.Context, cmd Command, echo bool) *ErrorContext {
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingRunner) Output(ctx context.Context, cmd Command) (string, *ErrorContext) {
	return "", r.Run(ctx, cmd, false)
}

func TestWaitForDeviceExistingNode(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "loop0p5")
	if err := os.WriteFile(dev, nil, 0644); err != nil {
		t.Fatal(err)
	}
	runner := &recordingRunner{}
	env := testEnv(t, DefaultConfig())

	if ec := waitForDevice(context.Background(), runner, env.Log, "/dev/loop0", dev); ec != nil {
		t.Fatalf("waitForDevice: %v", ec)
	}
	for _, cmd := range runner.cmds {
		if cmd.Program == "partprobe" {
			t.Error("partprobe must not run when the node already exists")
		}
	}
}

func TestWaitForDeviceRescansLoopDevice(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "loop0p5") // never created
	runner := &recordingRunner{}
	env := testEnv(t, DefaultConfig())

	ec := waitForDevice(context.Background(), runner, env.Log, "/dev/loop0", dev)
	if ec == nil || ec.Kind != ResourceUnavailable {
		t.Fatalf("got %v, want ResourceUnavailable for a node that never appears", ec)
	}
	var rescanArgs []string
	for _, cmd := range runner.cmds {
		if cmd.Program == "partprobe" {
			rescanArgs = cmd.Args
		}
	}
	if len(rescanArgs) != 1 || rescanArgs[0] != "/dev/loop0" {
		t.Errorf("partprobe args = %v, want the loop device node", rescanArgs)
	}
}

func TestBootCmdBootsByLabel(t *testing.T) {
	if !strings.Contains(bootCmdTemplate, "root=LABEL=ROOTFS") {
		t.Error("boot arguments must reference the root filesystem by label")
	}
	if !strings.Contains(bootCmdTemplate, "booti ${kernel_addr_r}") {
		t.Error("boot script must chain into booti")
	}
	if !strings.Contains(bootCmdTemplate, "rk3588-orangepi-5-plus.dtb") {
		t.Error("boot script must load the board device tree")
	}
	if strings.Contains(bootCmdTemplate, "/dev/mmcblk") || strings.Contains(bootCmdTemplate, "/dev/sd") {
		t.Error("boot script must not hardcode device nodes")
	}
}
