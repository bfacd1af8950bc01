package opibuild

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"lukechampine.com/blake3"
)

// maliBlobURL is the vendor userspace driver matching the RK3588's
// Mali-G610 and the kernel's bifrost interface.
const (
	maliBlobURL      = "https://github.com/JeffyCN/mirrors/raw/libmali/lib/aarch64-linux-gnu/libmali-valhall-g610-g13p0-x11-wayland-gbm.so"
	maliBlobName     = "libmali-valhall-g610.so"
	maliFirmwareURL  = "https://github.com/JeffyCN/mirrors/raw/libmali/firmware/g610/mali_csffw.bin"
	maliFirmwareName = "mali_csffw.bin"
)

func installGPUDrivers(ctx context.Context, env *BuildEnv) *ErrorContext {
	dl := env.Cfg.MaliDir()
	rootfs := env.Cfg.RootfsDir()

	blob := filepath.Join(dl, maliBlobName)
	if ec := downloadFile(ctx, env, maliBlobURL, blob); ec != nil {
		return ec
	}
	firmware := filepath.Join(dl, maliFirmwareName)
	if ec := downloadFile(ctx, env, maliFirmwareURL, firmware); ec != nil {
		return ec
	}

	libDir := filepath.Join(rootfs, "usr", "lib", "aarch64-linux-gnu")
	fwDir := filepath.Join(rootfs, "lib", "firmware")
	for _, dir := range []string{libDir, fwDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Errorf(ResourceUnavailable, "cannot create %s: %v", dir, err)
		}
	}
	if ec := copyFile(blob, filepath.Join(libDir, maliBlobName)); ec != nil {
		return ec
	}
	if ec := copyFile(firmware, filepath.Join(fwDir, maliFirmwareName)); ec != nil {
		return ec
	}

	// The blob provides EGL/GLES/CL/Vulkan entry points under one soname.
	links := []string{"libEGL.so.1", "libGLESv2.so.2", "libgbm.so.1"}
	if env.Cfg.EnableOpenCL {
		links = append(links, "libOpenCL.so.1")
	}
	for _, name := range links {
		link := filepath.Join(libDir, name)
		os.Remove(link)
		if err := os.Symlink(maliBlobName, link); err != nil {
			return Errorf(ResourceUnavailable, "failed to link %s: %v", link, err)
		}
	}

	if env.Cfg.EnableOpenCL {
		icdDir := filepath.Join(rootfs, "etc", "OpenCL", "vendors")
		if err := os.MkdirAll(icdDir, 0755); err != nil {
			return Errorf(ResourceUnavailable, "cannot create %s: %v", icdDir, err)
		}
		icd := "/usr/lib/aarch64-linux-gnu/" + maliBlobName + "\n"
		if err := os.WriteFile(filepath.Join(icdDir, "mali.icd"), []byte(icd), 0644); err != nil {
			return Errorf(ResourceUnavailable, "failed to write OpenCL ICD: %v", err)
		}
	}

	if env.Cfg.EnableVulkan {
		vkDir := filepath.Join(rootfs, "etc", "vulkan", "icd.d")
		if err := os.MkdirAll(vkDir, 0755); err != nil {
			return Errorf(ResourceUnavailable, "cannot create %s: %v", vkDir, err)
		}
		icd := fmt.Sprintf(`{
    "file_format_version": "1.0.0",
    "ICD": {
        "library_path": "/usr/lib/aarch64-linux-gnu/%s",
        "api_version": "1.2.0"
    }
}
`, maliBlobName)
		if err := os.WriteFile(filepath.Join(vkDir, "mali_icd.json"), []byte(icd), 0644); err != nil {
			return Errorf(ResourceUnavailable, "failed to write Vulkan ICD: %v", err)
		}
	}

	env.Log.Infof("", "Mali userspace driver and firmware staged")
	return nil
}

// downloadFile fetches url into dest with a progress bar. A blake3 sidecar
// written next to each download lets reruns skip files that verify.
func downloadFile(ctx context.Context, env *BuildEnv, url, dest string) *ErrorContext {
	sidecar := dest + ".b3"
	if verifySidecar(dest, sidecar) {
		env.Log.Debugf("", "%s already downloaded and verified", filepath.Base(dest))
		return nil
	}

	env.Log.Infof("", "downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Errorf(ConfigurationError, "bad download URL %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Errorf(Cancelled, "download of %s cancelled", url)
		}
		return Errorf(NetworkFailure, "download of %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errorf(NetworkFailure, "download of %s failed: HTTP %d", url, resp.StatusCode)
	}

	tmp := dest + ".part"
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return Errorf(ResourceUnavailable, "cannot create download directory for %s: %v", dest, err)
	}
	out, err := os.Create(tmp)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", tmp, err)
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
	hasher := blake3.New(32, nil)
	_, err = io.Copy(io.MultiWriter(out, bar, hasher), resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return Errorf(Cancelled, "download of %s cancelled", url)
		}
		return Errorf(NetworkFailure, "download of %s interrupted: %v", url, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return Errorf(ResourceUnavailable, "cannot finalize %s: %v", dest, err)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(sidecar, []byte(sum+"\n"), 0644); err != nil {
		env.Log.Warnf("", "could not write checksum sidecar for %s: %v", dest, err)
	}
	return nil
}

func verifySidecar(dest, sidecar string) bool {
	want, err := os.ReadFile(sidecar)
	if err != nil {
		return false
	}
	f, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer f.Close()
	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	return got == string(trimNewline(want))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
