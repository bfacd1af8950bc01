package opibuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Emulation flavor extras. RetroArch and its cores come from the archive;
// the frontend and the x86 translation layers are built from source inside
// the chroot when no package exists for them.
var (
	emulatorPackages = []string{
		"retroarch", "libretro-*", "retroarch-assets", "retroarch-joypad-autoconfig",
		"dosbox", "scummvm", "mednafen", "mupen64plus-qt", "ppsspp",
	}
	emulationBuildDeps = []string{
		"git", "cmake", "build-essential", "python3",
	}
	esThemeRepos = map[string]string{
		"carbon": "https://github.com/RetroPie/es-theme-carbon.git",
		"simple": "https://github.com/RetroPie/es-theme-simple.git",
	}
)

// setupEmulation turns a desktop rootfs into the emulation flavor: the
// RetroArch suite, an EmulationStation frontend, Box64/Box86 for x86
// titles and tuned per-emulator configuration. Individual emulators are
// allowed to fail without sinking the build; only cancellation aborts.
func setupEmulation(ctx context.Context, env *BuildEnv, ch *Chroot) *ErrorContext {
	env.Log.Infof("", "installing emulation stack for the %s flavor", env.Cfg.Distro)

	install := fmt.Sprintf("apt-get install -y %s %s",
		strings.Join(emulationBuildDeps, " "), strings.Join(emulatorPackages, " "))
	if ec := ch.Run(ctx, install, true); ec != nil {
		if ec.Kind == Cancelled {
			return ec
		}
		env.Log.Warnf("", "some emulator packages failed to install: %s", ec.Message)
	}

	if ec := installEmulationStation(ctx, env, ch); ec != nil {
		if ec.Kind == Cancelled {
			return ec
		}
		env.Log.Warnf("", "EmulationStation install failed: %s", ec.Message)
	}

	if ec := buildTranslationLayers(ctx, env, ch); ec != nil {
		if ec.Kind == Cancelled {
			return ec
		}
		env.Log.Warnf("", "Box64/Box86 build failed: %s", ec.Message)
	}

	if ec := writeEmulatorConfigs(env); ec != nil {
		return ec
	}

	owner := fmt.Sprintf("chown -R %[1]s:%[1]s /home/%[1]s/.config", env.Cfg.Username)
	if ec := ch.Run(ctx, owner, false); ec != nil {
		return ec
	}

	env.Log.Infof("", "emulation stack installed")
	return nil
}

// installEmulationStation prefers the archive package and falls back to a
// source build of the RetroPie frontend, then stages the stock themes.
func installEmulationStation(ctx context.Context, env *BuildEnv, ch *Chroot) *ErrorContext {
	if ec := ch.Run(ctx, "apt-get install -y emulationstation", true); ec != nil {
		if ec.Kind == Cancelled {
			return ec
		}
		env.Log.Infof("", "no emulationstation package, building from source")
		build := fmt.Sprintf(`set -e
cd /tmp
rm -rf EmulationStation
git clone --depth 1 --recursive https://github.com/RetroPie/EmulationStation.git
cd EmulationStation
mkdir -p build && cd build
cmake .. -DCMAKE_INSTALL_PREFIX=/usr
make -j%d
make install`, env.Cfg.Jobs)
		if ec := ch.Run(ctx, build, true); ec != nil {
			return ec
		}
	}

	themesDir := filepath.Join(env.Cfg.RootfsDir(), "etc", "emulationstation", "themes")
	if err := os.MkdirAll(themesDir, 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", themesDir, err)
	}
	for name, repo := range esThemeRepos {
		dst := filepath.Join(themesDir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		clone := Command{Program: "git", Args: []string{"clone", "--depth", "1", repo, dst}}
		if ec := RunWithRetry(ctx, env.Exec, env.Log, clone, env.Cfg.MaxRetries, false); ec != nil {
			if ec.Kind == Cancelled {
				return ec
			}
			env.Log.Warnf("", "theme %s failed to install: %s", name, ec.Message)
		}
	}
	return nil
}

// buildTranslationLayers compiles Box64 and Box86 inside the chroot so
// x86/x86_64 games run on the RK3588, then turns the dynarecs on via
// /etc/environment.
func buildTranslationLayers(ctx context.Context, env *BuildEnv, ch *Chroot) *ErrorContext {
	for _, repo := range []string{"box64", "box86"} {
		env.Log.Infof("", "building %s", repo)
		script := fmt.Sprintf(`set -e
cd /tmp
rm -rf %[1]s
git clone --depth 1 https://github.com/ptitSeb/%[1]s
cd %[1]s
mkdir -p build && cd build
cmake .. -DRK3588=1 -DCMAKE_BUILD_TYPE=RelWithDebInfo
make -j%[2]d
make install`, repo, env.Cfg.Jobs)
		if ec := ch.Run(ctx, script, true); ec != nil {
			return ec
		}
	}

	envPath := filepath.Join(env.Cfg.RootfsDir(), "etc", "environment")
	f, err := os.OpenFile(envPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot open %s: %v", envPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(boxEnvironment()); err != nil {
		return Errorf(ResourceUnavailable, "failed to extend %s: %v", envPath, err)
	}
	return nil
}

func boxEnvironment() string {
	return "BOX64_DYNAREC=1\nBOX64_LOG=0\nBOX86_DYNAREC=1\nBOX86_LOG=0\n"
}

// writeEmulatorConfigs drops tuned RetroArch and PPSSPP configuration into
// the default user's home so first boot starts at playable settings.
func writeEmulatorConfigs(env *BuildEnv) *ErrorContext {
	home := filepath.Join(env.Cfg.RootfsDir(), "home", env.Cfg.Username)
	if ec := writeConfigFile(filepath.Join(home, ".config", "retroarch", "retroarch.cfg"), retroArchConfig()); ec != nil {
		return ec
	}
	return writeConfigFile(filepath.Join(home, ".config", "ppsspp", "PSP", "SYSTEM", "ppsspp.ini"), ppssppConfig())
}

func writeConfigFile(path, content string) *ErrorContext {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return Errorf(ResourceUnavailable, "failed to write %s: %v", path, err)
	}
	return nil
}

// retroArchConfig renders RetroArch defaults tuned for the Mali GPU and
// udev gamepad hotplug.
func retroArchConfig() string {
	settings := []struct{ key, value string }{
		{"video_driver", "gl"},
		{"video_context_driver", "kms"},
		{"video_vsync", "true"},
		{"video_hard_sync", "true"},
		{"video_threaded", "true"},
		{"video_smooth", "true"},
		{"video_fullscreen", "true"},
		{"audio_driver", "alsa"},
		{"audio_out_rate", "48000"},
		{"rewind_enable", "false"},
		{"savestate_auto_save", "true"},
		{"savestate_auto_load", "true"},
		{"input_joypad_driver", "udev"},
		{"input_autodetect_enable", "true"},
		{"menu_driver", "ozone"},
		{"config_save_on_exit", "true"},
	}
	var b strings.Builder
	for _, s := range settings {
		fmt.Fprintf(&b, "%s = \"%s\"\n", s.key, s.value)
	}
	return b.String()
}

func ppssppConfig() string {
	var b strings.Builder
	b.WriteString("[Graphics]\n")
	for _, kv := range [][2]string{
		{"RenderingMode", "1"},
		{"HardwareTransform", "True"},
		{"InternalResolution", "2"},
		{"FrameSkipping", "0"},
		{"AutoFrameSkip", "False"},
	} {
		fmt.Fprintf(&b, "%s = %s\n", kv[0], kv[1])
	}
	b.WriteString("[SystemParam]\n")
	for _, kv := range [][2]string{
		{"NickName", "orangepi"},
		{"Language", "1"},
		{"EncryptSave", "True"},
	} {
		fmt.Fprintf(&b, "%s = %s\n", kv[0], kv[1])
	}
	return b.String()
}
