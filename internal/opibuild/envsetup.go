package opibuild

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// minFreeBytes is the free disk space a full build needs: kernel tree,
// rootfs, the raw image and its compressed copy.
const minFreeBytes = 15 << 30

// prereqPackages are the host packages every stage depends on.
var prereqPackages = []string{
	"git", "build-essential", "bc", "bison", "flex", "libssl-dev",
	"libncurses-dev", "gcc-aarch64-linux-gnu", "g++-aarch64-linux-gnu",
	"debootstrap", "qemu-user-static", "binfmt-support",
	"gdisk", "dosfstools", "e2fsprogs", "rsync", "parted",
	"u-boot-tools", "device-tree-compiler", "xz-utils",
	"python3", "python3-pyelftools", "libgnutls28-dev", "swig",
	"curl", "wget", "kmod", "cpio",
}

func setupEnvironment(ctx context.Context, env *BuildEnv) *ErrorContext {
	if os.Geteuid() != 0 {
		return Errorf(PermissionDenied, "this build needs root for mounts, loop devices and chroots")
	}

	if env.Cfg.CleanBuild {
		// Clean per-component trees, not the whole build dir: the open log
		// files live at its top level.
		for _, dir := range []string{
			env.Cfg.KernelDir(),
			env.Cfg.UBootDir(),
			env.Cfg.RootfsDir(),
			env.Cfg.MaliDir(),
			filepath.Join(env.Cfg.BuildDir, "mnt"),
		} {
			env.Log.Infof("", "clean build: removing %s", dir)
			if err := os.RemoveAll(dir); err != nil {
				return Errorf(ResourceUnavailable, "failed to clean %s: %v", dir, err)
			}
		}
	}

	for _, dir := range []string{
		env.Cfg.BuildDir,
		env.Cfg.OutputDir,
		env.Cfg.RootfsDir(),
		env.Cfg.MaliDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Errorf(ResourceUnavailable, "failed to create %s: %v", dir, err)
		}
	}

	var st unix.Statfs_t
	if err := unix.Statfs(env.Cfg.BuildDir, &st); err != nil {
		return Errorf(ResourceUnavailable, "statfs %s: %v", env.Cfg.BuildDir, err)
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < minFreeBytes {
		return Errorf(ResourceUnavailable, "need at least %d GiB free in %s, have %d GiB",
			minFreeBytes>>30, env.Cfg.BuildDir, free>>30)
	}
	env.Log.Infof("", "build directory %s ready, %d GiB free", env.Cfg.BuildDir, free>>30)

	if env.Cfg.InstallPrereqs {
		env.Log.Infof("", "updating host package index")
		update := Command{
			Program: "apt-get",
			Args:    []string{"update"},
			Env:     []string{"DEBIAN_FRONTEND=noninteractive"},
		}
		if ec := RunWithRetry(ctx, env.Exec, env.Log, update, env.Cfg.MaxRetries, false); ec != nil {
			return ec
		}
	}
	return nil
}

func installPrerequisites(ctx context.Context, env *BuildEnv) *ErrorContext {
	env.Log.Infof("", "installing %d host packages", len(prereqPackages))
	install := Command{
		Program: "apt-get",
		Args:    append([]string{"install", "-y", "--no-install-recommends"}, prereqPackages...),
		Env:     []string{"DEBIAN_FRONTEND=noninteractive"},
	}
	if ec := RunWithRetry(ctx, env.Exec, env.Log, install, 2, true); ec != nil {
		return ec
	}

	// Make sure the cross toolchain actually landed.
	gcc := env.Cfg.CrossCompile + "gcc"
	if ec := env.Exec.Run(ctx, Command{Program: gcc, Args: []string{"--version"}}, false); ec != nil {
		return Errorf(PreconditionMissing, "cross compiler %s is not usable after install", gcc)
	}
	return nil
}
