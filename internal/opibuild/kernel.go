package opibuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func (c *BuildConfig) kernelMakeEnv() []string {
	return []string{
		"ARCH=" + c.Arch,
		"CROSS_COMPILE=" + c.CrossCompile,
	}
}

func fetchKernelSource(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.KernelDir()
	if _, err := os.Stat(filepath.Join(dir, "Makefile")); err == nil {
		env.Log.Infof("", "kernel tree already present at %s, pulling latest", dir)
		pull := Command{Program: "git", Args: []string{"pull", "--ff-only"}, Dir: dir}
		return RunWithRetry(ctx, env.Exec, env.Log, pull, env.Cfg.MaxRetries, true)
	}

	// The vendor branch first, then the mainline tag for the release kernel.
	candidates := []struct{ repo, branch string }{
		{env.Cfg.KernelRepoURL, env.Cfg.KernelBranch},
		{"https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git", "v" + env.Cfg.KernelVersion},
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

// rk3588ConfigOptions are appended to the generated .config; olddefconfig
// resolves whatever the tree does not know about.
var rk3588ConfigOptions = []string{
	"CONFIG_ARCH_ROCKCHIP=y",
	"CONFIG_DRM_PANFROST=m",
	"CONFIG_MALI_BIFROST=m",
	"CONFIG_ROCKCHIP_RKNPU=m",
	"CONFIG_PHY_ROCKCHIP_USBDP=y",
}

func configureKernel(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.KernelDir()

	if env.Cfg.CleanBuild {
		clean := Command{Program: "make", Args: []string{"mrproper"}, Dir: dir, Env: env.Cfg.kernelMakeEnv()}
		if ec := env.Exec.Run(ctx, clean, false); ec != nil {
			return ec
		}
	}

	env.Log.Infof("", "configuring kernel with %s", env.Cfg.KernelDefconfig)
	defcfg := Command{
		Program: "make",
		Args:    []string{env.Cfg.KernelDefconfig},
		Dir:     dir,
		Env:     env.Cfg.kernelMakeEnv(),
	}
	if ec := env.Exec.Run(ctx, defcfg, true); ec != nil {
		return ec
	}

	if ec := appendKernelOptions(filepath.Join(dir, ".config"), rk3588ConfigOptions); ec != nil {
		return ec
	}

	olddef := Command{
		Program: "make",
		Args:    []string{"olddefconfig"},
		Dir:     dir,
		Env:     env.Cfg.kernelMakeEnv(),
	}
	return env.Exec.Run(ctx, olddef, true)
}

func appendKernelOptions(configPath string, options []string) *ErrorContext {
	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return Errorf(PreconditionMissing, "kernel .config not writable: %v", err)
	}
	defer f.Close()
	for _, opt := range options {
		if _, err := fmt.Fprintln(f, opt); err != nil {
			return Errorf(ResourceUnavailable, "failed to extend kernel config: %v", err)
		}
	}
	return nil
}

func buildKernel(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.KernelDir()
	env.Log.Infof("", "building kernel with %d jobs", env.Cfg.Jobs)

	build := Command{
		Program: "make",
		Args:    []string{"-j" + strconv.Itoa(env.Cfg.Jobs), "Image", "modules", "dtbs"},
		Dir:     dir,
		Env:     env.Cfg.kernelMakeEnv(),
	}
	if ec := env.Exec.Run(ctx, build, true); ec != nil {
		return ec
	}

	image := filepath.Join(dir, "arch", env.Cfg.Arch, "boot", "Image")
	if _, err := os.Stat(image); err != nil {
		return Errorf(PreconditionMissing, "kernel build finished but %s is missing", image)
	}

	ver, ec := env.Exec.Output(ctx, Command{
		Program: "make", Args: []string{"-s", "kernelrelease"},
		Dir: dir, Env: env.Cfg.kernelMakeEnv(),
	})
	if ec == nil && ver != "" {
		env.KernelRelease = ver
		env.Log.Infof("", "built kernel %s", ver)
	}
	return nil
}

// installKernel stages the kernel image, modules and device trees into the
// rootfs so the assembled image can boot it.
func installKernel(ctx context.Context, env *BuildEnv) *ErrorContext {
	dir := env.Cfg.KernelDir()
	rootfs := env.Cfg.RootfsDir()
	bootDir := filepath.Join(rootfs, "boot")
	if err := os.MkdirAll(filepath.Join(bootDir, "dtbs", "rockchip"), 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", bootDir, err)
	}

	env.Log.Infof("", "installing modules into %s", rootfs)
	modules := Command{
		Program: "make",
		Args: []string{"-j" + strconv.Itoa(env.Cfg.Jobs),
			"INSTALL_MOD_PATH=" + rootfs, "INSTALL_MOD_STRIP=1", "modules_install"},
		Dir: dir,
		Env: env.Cfg.kernelMakeEnv(),
	}
	if ec := env.Exec.Run(ctx, modules, true); ec != nil {
		return ec
	}

	bootArch := filepath.Join(dir, "arch", env.Cfg.Arch, "boot")
	copies := map[string]string{
		filepath.Join(bootArch, "Image"):                                         filepath.Join(bootDir, "Image"),
		filepath.Join(bootArch, "dts", "rockchip", "rk3588-orangepi-5-plus.dtb"): filepath.Join(bootDir, "dtbs", "rockchip", "rk3588-orangepi-5-plus.dtb"),
	}
	for src, dst := range copies {
		if ec := copyFile(src, dst); ec != nil {
			return ec
		}
	}

	cfgSrc := filepath.Join(dir, ".config")
	cfgDst := filepath.Join(bootDir, fmt.Sprintf("config-%s", env.kernelRelease()))
	if ec := copyFile(cfgSrc, cfgDst); ec != nil {
		env.Log.Warnf("", "could not stage kernel config: %s", ec.Message)
	}
	return nil
}

func copyFile(src, dst string) *ErrorContext {
	data, err := os.ReadFile(src)
	if err != nil {
		return Errorf(PreconditionMissing, "missing build artifact %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return Errorf(ResourceUnavailable, "failed to write %s: %v", dst, err)
	}
	return nil
}
