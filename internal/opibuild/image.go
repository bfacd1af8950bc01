package opibuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	cp "github.com/otiai10/copy"
)

// bootCmdTemplate chain-loads the kernel by filesystem label so the same
// image boots from SD, eMMC or NVMe without path edits.
const bootCmdTemplate = `setenv bootargs "root=LABEL=ROOTFS rootwait rw console=ttyS2,1500000 console=tty1 cgroup_enable=cpuset cgroup_memory=1 cgroup_enable=memory"
load ${devtype} ${devnum}:${distro_bootpart} ${kernel_addr_r} Image
load ${devtype} ${devnum}:${distro_bootpart} ${fdt_addr_r} dtbs/rockchip/rk3588-orangepi-5-plus.dtb
fdt addr ${fdt_addr_r}
booti ${kernel_addr_r} - ${fdt_addr_r}
`

// assembleImage produces the bootable disk image. Every acquired resource
// goes through one scope so teardown is guaranteed in reverse order on
// success, failure and cancellation alike.
func assembleImage(ctx context.Context, env *BuildEnv) *ErrorContext {
	imagePath := filepath.Join(env.Cfg.OutputDir, env.Cfg.ImageName())

	scope := NewResourceScope(env.Exec, env.Log)
	ec := assembleInto(ctx, env, scope, imagePath)
	if terr := scope.ReleaseAll(); terr != nil {
		env.Log.Context(terr)
		if ec == nil {
			ec = terr
		}
	}
	if ec != nil {
		// The partial image stays on disk for inspection; only the managed
		// resources above get torn down.
		return ec
	}

	if ec := compressImage(ctx, env, imagePath); ec != nil {
		return ec
	}
	if env.Cfg.CompressFormat != "" {
		os.Remove(imagePath)
	}
	return nil
}

func assembleInto(ctx context.Context, env *BuildEnv, scope *ResourceScope, imagePath string) *ErrorContext {
	cfg := env.Cfg

	// Allocate a sparse file of the configured size.
	env.Log.Infof("", "allocating %d MB image at %s", cfg.ImageSizeMB, imagePath)
	f, err := os.Create(imagePath)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot create image file %s: %v", imagePath, err)
	}
	if err := f.Truncate(cfg.ImageSizeMB << 20); err != nil {
		f.Close()
		return Errorf(ResourceUnavailable, "cannot size image to %d MB: %v", cfg.ImageSizeMB, err)
	}
	f.Close()

	// Write the GPT.
	sgdisk := Command{Program: "sgdisk", Args: SgdiskArgs(RK3588Layout, imagePath)}
	if ec := env.Exec.Run(ctx, sgdisk, true); ec != nil {
		return Errorf(ResourceUnavailable, "partitioning failed: %s", ec.Message)
	}

	// One loop attachment serves both mkfs and mount.
	loop, ec := scope.LoopDevice(ctx, imagePath)
	if ec != nil {
		return ec
	}
	bootDev := PartitionDevice(loop.Handle, partitionByName("boot").Number)
	rootDev := PartitionDevice(loop.Handle, partitionByName("rootfs").Number)

	if ec := waitForDevice(ctx, env.Exec, env.Log, loop.Handle, rootDev); ec != nil {
		return ec
	}

	mkfsBoot := Command{Program: "mkfs.vfat", Args: []string{"-F", "32", "-n", "BOOT", bootDev}}
	if ec := env.Exec.Run(ctx, mkfsBoot, false); ec != nil {
		return Errorf(ResourceUnavailable, "formatting boot partition failed: %s", ec.Message)
	}
	mkfsRoot := Command{Program: "mkfs.ext4", Args: []string{"-q", "-L", "ROOTFS", rootDev}}
	if ec := env.Exec.Run(ctx, mkfsRoot, false); ec != nil {
		return Errorf(ResourceUnavailable, "formatting rootfs partition failed: %s", ec.Message)
	}

	// Mount rootfs, then boot inside it, so unmount order works out. The
	// scratch mountpoint itself is scope-owned and removed last.
	mountRoot := filepath.Join(cfg.BuildDir, "mnt")
	if _, ec := scope.Dir(mountRoot, false); ec != nil {
		return ec
	}
	if _, ec := scope.Mount(ctx, rootDev, mountRoot); ec != nil {
		return ec
	}
	bootMount := filepath.Join(mountRoot, "boot", "firmware")
	if err := os.MkdirAll(bootMount, 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", bootMount, err)
	}
	if _, ec := scope.Mount(ctx, bootDev, bootMount); ec != nil {
		return ec
	}

	// Populate. rsync preserves ownership, xattrs and hardlinks, which a
	// plain copy would lose.
	env.Log.Infof("", "populating root filesystem")
	rsync := Command{
		Program: "rsync",
		Args:    []string{"-aHAX", "--exclude", "/boot/firmware/*", cfg.RootfsDir() + "/", mountRoot + "/"},
	}
	if ec := env.Exec.Run(ctx, rsync, false); ec != nil {
		return ec
	}
	if ec := stageBootFiles(cfg, mountRoot, bootMount); ec != nil {
		return ec
	}

	if ec := writeBootloader(env, imagePath); ec != nil {
		return ec
	}

	return writeBootConfig(ctx, env, bootMount)
}

// waitForDevice polls for the kernel to surface partition nodes after
// losetup --partscan. loopDev is the attached loop device whose partition
// table gets rescanned if the node lags behind.
func waitForDevice(ctx context.Context, run CommandRunner, log *Logger, loopDev, dev string) *ErrorContext {
	settle := Command{Program: "udevadm", Args: []string{"settle", "--timeout", "10"}}
	if ec := run.Run(ctx, settle, false); ec != nil && ec.Kind == Cancelled {
		return ec
	}
	if _, err := os.Stat(dev); err != nil {
		// Fall back to a partprobe; some hosts lag behind --partscan.
		if ec := run.Run(ctx, Command{Program: "partprobe", Args: []string{loopDev}}, false); ec != nil {
			if ec.Kind == Cancelled {
				return ec
			}
			log.Warnf("", "partprobe %s failed: %s", loopDev, ec.Message)
		}
		if _, err := os.Stat(dev); err != nil {
			return Errorf(ResourceUnavailable, "partition device %s never appeared", dev)
		}
	}
	return nil
}

// stageBootFiles moves kernel artifacts from the populated rootfs onto the
// FAT boot partition where the bootloader reads them.
func stageBootFiles(cfg *BuildConfig, mountRoot, bootMount string) *ErrorContext {
	srcBoot := filepath.Join(cfg.RootfsDir(), "boot")
	entries := []string{"Image", "dtbs"}
	for _, name := range entries {
		src := filepath.Join(srcBoot, name)
		if _, err := os.Stat(src); err != nil {
			return Errorf(PreconditionMissing, "boot artifact %s missing from rootfs", src)
		}
		if err := cp.Copy(src, filepath.Join(bootMount, name)); err != nil {
			return Errorf(ResourceUnavailable, "failed to stage %s onto boot partition: %v", name, err)
		}
	}
	return nil
}

// writeBootloader places the U-Boot stages at their mask ROM mandated byte
// offsets using direct writes into the image file.
func writeBootloader(env *BuildEnv, imagePath string) *ErrorContext {
	set, ec := ubootArtifacts(env.Cfg)
	if ec != nil {
		return ec
	}

	img, err := os.OpenFile(imagePath, os.O_WRONLY, 0)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot open image for bootloader write: %v", err)
	}
	defer img.Close()

	write := func(src string, offset int64) *ErrorContext {
		data, err := os.ReadFile(src)
		if err != nil {
			return Errorf(PreconditionMissing, "bootloader image %s unreadable: %v", src, err)
		}
		if _, err := img.WriteAt(data, offset); err != nil {
			return Errorf(ResourceUnavailable, "bootloader write at offset %d failed: %v", offset, err)
		}
		env.Log.Infof("", "wrote %s (%d bytes) at byte offset %d", filepath.Base(src), len(data), offset)
		return nil
	}

	if set.Combined != "" {
		if ec := write(set.Combined, Loader1ByteOffset); ec != nil {
			return ec
		}
	} else {
		if ec := write(set.Loader1, Loader1ByteOffset); ec != nil {
			return ec
		}
		if ec := write(set.Loader2, Loader2ByteOffset); ec != nil {
			return ec
		}
	}
	if err := img.Sync(); err != nil {
		return Errorf(ResourceUnavailable, "image sync failed: %v", err)
	}
	return nil
}

// writeBootConfig drops boot.cmd, compiles it to boot.scr with mkimage and
// writes the environment file. Everything references filesystems by label.
func writeBootConfig(ctx context.Context, env *BuildEnv, bootMount string) *ErrorContext {
	cmdPath := filepath.Join(bootMount, "boot.cmd")
	if err := os.WriteFile(cmdPath, []byte(bootCmdTemplate), 0644); err != nil {
		return Errorf(ResourceUnavailable, "failed to write boot.cmd: %v", err)
	}

	mkimage := Command{
		Program: "mkimage",
		Args: []string{"-C", "none", "-A", "arm64", "-T", "script",
			"-d", cmdPath, filepath.Join(bootMount, "boot.scr")},
	}
	if ec := env.Exec.Run(ctx, mkimage, false); ec != nil {
		return ec
	}

	envFile := fmt.Sprintf("verbosity=1\nbootlogo=false\noverlay_prefix=rk3588\nrootdev=LABEL=ROOTFS\nrootfstype=ext4\nfdtfile=rockchip/rk3588-orangepi-5-plus.dtb\nimagesize=%s\n",
		strconv.FormatInt(env.Cfg.ImageSizeMB, 10)+"MB")
	if err := os.WriteFile(filepath.Join(bootMount, "orangepiEnv.txt"), []byte(envFile), 0644); err != nil {
		return Errorf(ResourceUnavailable, "failed to write orangepiEnv.txt: %v", err)
	}
	return nil
}
