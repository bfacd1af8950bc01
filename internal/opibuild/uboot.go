package opibuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ubootDefconfigs are tried in order; board naming differs across U-Boot
// forks.
var ubootDefconfigs = []string{
	"orangepi_5_plus_defconfig",
	"orangepi-5-plus-rk3588_defconfig",
	"evb-rk3588_defconfig",
}

func fetchUBootSource(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.UBootDir()
	if _, err := os.Stat(filepath.Join(dir, "Makefile")); err == nil {
		env.Log.Infof("", "u-boot tree already present at %s", dir)
		return nil
	}
	candidates := []struct{ repo, branch string }{
		{env.Cfg.UBootRepoURL, env.Cfg.UBootBranch},
		{"https://source.denx.de/u-boot/u-boot.git", "master"},
	}
	var last *ErrorContext
	for _, c := range candidates {
		env.Log.Infof("", "cloning %s (%s)", c.repo, c.branch)
		clone := Command{
			Program: "git",
			Args:    []string{"clone", "--depth", "1", "--branch", c.branch, c.repo, dir},
		}
		ec := RunWithRetry(ctx, env.Exec, env.Log, clone, env.Cfg.MaxRetries, true)
		if ec == nil {
			return nil
		}
		if ec.Kind == Cancelled {
			return ec
		}
		last = ec
		os.RemoveAll(dir)
	}
	return last
}

func buildUBoot(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.UBootDir()
	makeEnv := env.Cfg.kernelMakeEnv()

	configured := false
	tried := []string{env.Cfg.UBootDefconfig}
	for _, dc := range ubootDefconfigs {
		if dc != env.Cfg.UBootDefconfig {
			tried = append(tried, dc)
		}
	}
	for _, dc := range tried {
		cfg := Command{Program: "make", Args: []string{dc}, Dir: dir, Env: makeEnv}
		if ec := env.Exec.Run(ctx, cfg, false); ec != nil {
			if ec.Kind == Cancelled {
				return ec
			}
			env.Log.Warnf("", "defconfig %s not accepted, trying next", dc)
			continue
		}
		env.Log.Infof("", "configured u-boot with %s", dc)
		configured = true
		break
	}
	if !configured {
		return Errorf(ConfigurationError, "no usable u-boot defconfig among %v", tried)
	}

	build := Command{
		Program: "make",
		Args:    []string{"-j" + strconv.Itoa(env.Cfg.Jobs)},
		Dir:     dir,
		Env:     makeEnv,
	}
	if ec := env.Exec.Run(ctx, build, true); ec != nil {
		return ec
	}

	if _, ec := ubootArtifacts(env.Cfg); ec != nil {
		return ec
	}
	return writeFlashScript(env.Cfg)
}

// ubootArtifacts locates the bootloader images a build produced. Rockchip
// U-Boot emits either a combined u-boot-rockchip.bin or the idbloader.img
// plus u-boot.itb pair.
type bootloaderSet struct {
	Combined string // written at Loader1ByteOffset, covers both stages
	Loader1  string // idbloader.img at Loader1ByteOffset
	Loader2  string // u-boot.itb at Loader2ByteOffset
}

func ubootArtifacts(cfg *BuildConfig) (bootloaderSet, *ErrorContext) {
	dir := cfg.UBootDir()
	combined := filepath.Join(dir, "u-boot-rockchip.bin")
	if _, err := os.Stat(combined); err == nil {
		return bootloaderSet{Combined: combined}, nil
	}
	idb := filepath.Join(dir, "idbloader.img")
	itb := filepath.Join(dir, "u-boot.itb")
	if _, err := os.Stat(idb); err != nil {
		return bootloaderSet{}, Errorf(PreconditionMissing, "no bootloader image found in %s", dir)
	}
	if _, err := os.Stat(itb); err != nil {
		return bootloaderSet{}, Errorf(PreconditionMissing, "idbloader.img present but u-boot.itb missing in %s", dir)
	}
	return bootloaderSet{Loader1: idb, Loader2: itb}, nil
}

// writeFlashScript emits a standalone script for flashing the bootloader
// onto an SD card or eMMC without rebuilding the image.
func writeFlashScript(cfg *BuildConfig) *ErrorContext {
	set, ec := ubootArtifacts(cfg)
	if ec != nil {
		return ec
	}

	var body string
	if set.Combined != "" {
		body = fmt.Sprintf("dd if=%s of=\"$DEV\" seek=%d conv=notrunc,fsync\n",
			filepath.Base(set.Combined), Loader1ByteOffset/SectorSize)
	} else {
		body = fmt.Sprintf("dd if=%s of=\"$DEV\" seek=%d conv=notrunc,fsync\n",
			filepath.Base(set.Loader1), Loader1ByteOffset/SectorSize) +
			fmt.Sprintf("dd if=%s of=\"$DEV\" seek=%d conv=notrunc,fsync\n",
				filepath.Base(set.Loader2), Loader2ByteOffset/SectorSize)
	}

	script := "#!/bin/sh\n" +
		"# Flash the Orange Pi 5 Plus bootloader onto a block device.\n" +
		"set -eu\n" +
		"DEV=\"${1:?usage: flash-uboot.sh /dev/sdX}\"\n" +
		body +
		"sync\n"

	path := filepath.Join(cfg.OutputDir, "flash-uboot.sh")
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", cfg.OutputDir, err)
	}
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return Errorf(ResourceUnavailable, "failed to write %s: %v", path, err)
	}

	// Ship the referenced images next to the script.
	for _, src := range []string{set.Combined, set.Loader1, set.Loader2} {
		if src == "" {
			continue
		}
		if ec := copyFile(src, filepath.Join(cfg.OutputDir, filepath.Base(src))); ec != nil {
			return ec
		}
	}
	return nil
}
