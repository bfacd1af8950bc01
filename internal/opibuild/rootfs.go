package opibuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// basePackages go into every rootfs flavor.
var basePackages = []string{
	"sudo", "ssh", "network-manager", "net-tools", "ethtool",
	"ca-certificates", "curl", "wget", "vim", "htop",
	"locales", "bash-completion", "initramfs-tools", "u-boot-tools",
	"i2c-tools", "mmc-utils", "wireless-regdb",
}

var distroPackages = map[DistroType][]string{
	DistroDesktop: {
		"ubuntu-desktop-minimal", "gnome-terminal", "firefox",
		"mesa-utils", "vulkan-tools", "clinfo",
	},
	DistroServer: {
		"ubuntu-server", "openssh-server", "docker.io",
	},
	DistroEmulation: {
		"ubuntu-desktop-minimal", "mesa-utils", "vulkan-tools",
		"libsdl2-2.0-0", "libsdl2-image-2.0-0", "libsdl2-mixer-2.0-0", "libsdl2-ttf-2.0-0",
		"joystick", "gamemode",
	},
	DistroMinimal: nil,
}

func bootstrapRootfs(ctx context.Context, env *BuildEnv) *ErrorContext {
	rootfs := env.Cfg.RootfsDir()

	if _, err := os.Stat(filepath.Join(rootfs, "etc", "os-release")); err == nil {
		env.Log.Infof("", "existing rootfs found at %s, skipping debootstrap", rootfs)
	} else {
		if ec := runDebootstrap(ctx, env, rootfs); ec != nil {
			return ec
		}
	}

	ch, ec := EnterChroot(ctx, env.Exec, env.Log, rootfs)
	if ec != nil {
		return ec
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			env.Log.Context(cerr)
		}
	}()

	if ec := writeAptSources(env.Cfg, rootfs); ec != nil {
		return ec
	}
	if ec := configureIdentity(env.Cfg, rootfs); ec != nil {
		return ec
	}

	env.Log.Infof("", "updating package index inside rootfs")
	if ec := ch.Run(ctx, "apt-get update", true); ec != nil {
		return Errorf(NetworkFailure, "rootfs apt update failed: %s", ec.Message)
	}

	pkgs := append(append([]string{}, basePackages...), distroPackages[env.Cfg.Distro]...)
	env.Log.Infof("", "installing %d packages for the %s flavor", len(pkgs), env.Cfg.Distro)
	install := fmt.Sprintf("apt-get install -y --no-install-recommends %s", strings.Join(pkgs, " "))
	if ec := ch.Run(ctx, install, true); ec != nil {
		return ec
	}

	userScript := fmt.Sprintf(`set -e
locale-gen en_US.UTF-8
if ! id %[1]s >/dev/null 2>&1; then
  useradd -m -s /bin/bash -G sudo,video,render,audio,plugdev %[1]s
fi
echo '%[1]s:%[2]s' | chpasswd
echo 'root:%[2]s' | chpasswd
systemctl enable ssh NetworkManager
apt-get clean`, env.Cfg.Username, env.Cfg.Password)
	if ec := ch.Run(ctx, userScript, true); ec != nil {
		return ec
	}

	if env.Cfg.Distro == DistroEmulation {
		if ec := setupEmulation(ctx, env, ch); ec != nil {
			return ec
		}
	}

	env.Log.Infof("", "rootfs ready at %s", rootfs)
	return nil
}

func runDebootstrap(ctx context.Context, env *BuildEnv, rootfs string) *ErrorContext {
	env.Log.Infof("", "debootstrapping %s into %s", env.Cfg.UbuntuCodename, rootfs)

	first := Command{
		Program: "debootstrap",
		Args: []string{
			"--arch=" + env.Cfg.Arch, "--foreign",
			env.Cfg.UbuntuCodename, rootfs, env.Cfg.UbuntuMirror,
		},
	}
	if ec := RunWithRetry(ctx, env.Exec, env.Log, first, env.Cfg.MaxRetries, true); ec != nil {
		return ec
	}

	// The second stage runs target binaries, so qemu has to be inside.
	qemu := "/usr/bin/qemu-aarch64-static"
	qemuDst := filepath.Join(rootfs, "usr", "bin", "qemu-aarch64-static")
	if ec := copyFile(qemu, qemuDst); ec != nil {
		return Errorf(PreconditionMissing, "qemu-user-static is required for the second stage: %s", ec.Message)
	}
	if err := os.Chmod(qemuDst, 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot make %s executable: %v", qemuDst, err)
	}

	second := Command{
		Program: "chroot",
		Args:    []string{rootfs, "/debootstrap/debootstrap", "--second-stage"},
	}
	if ec := env.Exec.Run(ctx, second, true); ec != nil {
		return ec
	}
	return nil
}

func writeAptSources(cfg *BuildConfig, rootfs string) *ErrorContext {
	var b strings.Builder
	for _, pocket := range []string{"", "-updates", "-security", "-backports"} {
		fmt.Fprintf(&b, "deb %s %s%s main restricted universe multiverse\n",
			cfg.UbuntuMirror, cfg.UbuntuCodename, pocket)
	}
	path := filepath.Join(rootfs, "etc", "apt", "sources.list")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return Errorf(ResourceUnavailable, "failed to write %s: %v", path, err)
	}
	return nil
}

func configureIdentity(cfg *BuildConfig, rootfs string) *ErrorContext {
	files := map[string]string{
		"etc/hostname": cfg.Hostname + "\n",
		"etc/hosts": fmt.Sprintf("127.0.0.1\tlocalhost\n127.0.1.1\t%s\n\n"+
			"::1\tlocalhost ip6-localhost ip6-loopback\n", cfg.Hostname),
		"etc/fstab": "LABEL=ROOTFS\t/\text4\tdefaults,noatime\t0\t1\n" +
			"LABEL=BOOT\t/boot/firmware\tvfat\tdefaults\t0\t2\n",
	}
	for rel, content := range files {
		path := filepath.Join(rootfs, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Errorf(ResourceUnavailable, "cannot create %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return Errorf(ResourceUnavailable, "failed to write %s: %v", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(rootfs, "boot", "firmware"), 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create boot/firmware: %v", err)
	}
	return nil
}
