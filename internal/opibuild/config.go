package opibuild

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// DistroType selects what flavor of root filesystem gets bootstrapped.
type DistroType int

const (
	DistroDesktop DistroType = iota
	DistroServer
	DistroEmulation
	DistroMinimal
)

func (d DistroType) String() string {
	switch d {
	case DistroDesktop:
		return "desktop"
	case DistroServer:
		return "server"
	case DistroEmulation:
		return "emulation"
	case DistroMinimal:
		return "minimal"
	default:
		return "custom"
	}
}

// UbuntuRelease describes one supported Ubuntu version/codename pair.
type UbuntuRelease struct {
	Version       string
	Codename      string
	FullName      string
	KernelVersion string
	LTS           bool
}

// UbuntuReleases is the supported release table. Newest last.
var UbuntuReleases = []UbuntuRelease{
	{"20.04", "focal", "Focal Fossa", "5.4", true},
	{"22.04", "jammy", "Jammy Jellyfish", "5.15", true},
	{"24.04", "noble", "Noble Numbat", "6.8", true},
	{"24.10", "oracular", "Oracular Oriole", "6.11", false},
	{"25.04", "plucky", "Plucky Puffin", "6.8", false},
}

// FindUbuntuRelease looks a release up by version number or codename.
func FindUbuntuRelease(versionOrCodename string) (UbuntuRelease, bool) {
	for _, rel := range UbuntuReleases {
		if rel.Version == versionOrCodename || rel.Codename == versionOrCodename {
			return rel, true
		}
	}
	return UbuntuRelease{}, false
}

// BuildConfig is the single configuration record threaded through every
// stage. It is assembled once before RunPipeline and never mutated while
// stages execute.
type BuildConfig struct {
	// Target hardware / toolchain
	Arch         string
	CrossCompile string

	// Kernel source
	KernelRepoURL   string
	KernelBranch    string
	KernelVersion   string
	KernelDefconfig string

	// U-Boot source
	UBootRepoURL   string
	UBootBranch    string
	UBootDefconfig string

	// Ubuntu release
	UbuntuVersion  string
	UbuntuCodename string
	UbuntuMirror   string

	Distro DistroType

	// Component gates
	InstallPrereqs  bool
	BuildKernel     bool
	BuildRootfs     bool
	BuildUBoot      bool
	CreateImage     bool
	InstallGPUBlobs bool
	EnableOpenCL    bool
	EnableVulkan    bool
	PublishImage    bool

	// Paths and sizing
	BuildDir    string
	OutputDir   string
	ImageSizeMB int64

	// Rootfs identity
	Hostname string
	Username string
	Password string

	// Build policy
	Jobs            int
	CleanBuild      bool
	MaxRetries      int
	ContinueOnError bool
	LogLevel        Level
	CompressFormat  string // xz, gz or zst

	// Publish credentials, read from the env file only.
	PublishEndpoint  string
	PublishBucket    string
	PublishAccessKey string
	PublishSecretKey string
}

// DefaultConfig returns the baseline configuration for an Orange Pi 5 Plus
// build. Values mirror the board's upstream sources.
func DefaultConfig() *BuildConfig {
	rel := UbuntuReleases[len(UbuntuReleases)-1]
	jobs := runtime.NumCPU()
	if jobs <= 0 {
		jobs = 4
	}
	return &BuildConfig{
		Arch:            "arm64",
		CrossCompile:    "aarch64-linux-gnu-",
		KernelRepoURL:   "https://github.com/Joshua-Riek/linux-rockchip.git",
		KernelBranch:    "ubuntu-rockchip-6.8-opi5",
		KernelVersion:   rel.KernelVersion + ".0",
		KernelDefconfig: "defconfig",
		UBootRepoURL:    "https://github.com/orangepi-xunlong/u-boot-orangepi.git",
		UBootBranch:     "v2017.09-rk3588",
		UBootDefconfig:  "orangepi_5_plus_defconfig",
		UbuntuVersion:   rel.Version,
		UbuntuCodename:  rel.Codename,
		UbuntuMirror:    "http://ports.ubuntu.com/ubuntu-ports",
		Distro:          DistroDesktop,
		InstallPrereqs:  true,
		BuildKernel:     true,
		BuildRootfs:     true,
		BuildUBoot:      true,
		CreateImage:     true,
		InstallGPUBlobs: true,
		EnableOpenCL:    true,
		EnableVulkan:    true,
		BuildDir:        "/tmp/opi5plus_build",
		OutputDir:       "/tmp/opi5plus_build/output",
		ImageSizeMB:     8192,
		Hostname:        "orangepi5plus",
		Username:        "orangepi",
		Password:        "orangepi",
		Jobs:            jobs,
		CleanBuild:      true,
		MaxRetries:      3,
		LogLevel:        LevelInfo,
		CompressFormat:  "xz",
	}
}

// Derived paths. Stages agree on these instead of recomputing layouts.

func (c *BuildConfig) KernelDir() string { return filepath.Join(c.BuildDir, "linux") }
func (c *BuildConfig) UBootDir() string  { return filepath.Join(c.BuildDir, "uboot") }
func (c *BuildConfig) RootfsDir() string { return filepath.Join(c.BuildDir, "rootfs") }
func (c *BuildConfig) MaliDir() string   { return filepath.Join(c.BuildDir, "mali") }
func (c *BuildConfig) LogPath() string   { return filepath.Join(c.BuildDir, "opibuild.log") }
func (c *BuildConfig) ErrLogPath() string {
	return filepath.Join(c.BuildDir, "opibuild_errors.log")
}

// ImageName is the deterministic artifact base name, derived from the
// release codename, kernel version and the build date.
func (c *BuildConfig) ImageName() string {
	return fmt.Sprintf("orangepi-5-plus-ubuntu-%s-%s-%s.img",
		c.UbuntuCodename, c.KernelVersion, time.Now().Format("20060102"))
}

// LoadEnvFile applies KEY=value overrides from an optional file. Blank
// lines and # comments are skipped, quotes around values are stripped, and
// unknown keys are ignored. A missing file is not an error.
func (c *BuildConfig) LoadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open env file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		c.applyEnvValue(key, val)
	}
	return scanner.Err()
}

func (c *BuildConfig) applyEnvValue(key, val string) {
	switch key {
	case "BUILD_DIR":
		c.BuildDir = val
	case "OUTPUT_DIR":
		c.OutputDir = val
	case "BUILD_JOBS":
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.Jobs = n
		}
	case "IMAGE_SIZE_MB":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n > 0 {
			c.ImageSizeMB = n
		}
	case "KERNEL_REPO_URL":
		c.KernelRepoURL = val
	case "KERNEL_BRANCH":
		c.KernelBranch = val
	case "UBOOT_REPO_URL":
		c.UBootRepoURL = val
	case "UBOOT_BRANCH":
		c.UBootBranch = val
	case "UBUNTU_MIRROR":
		c.UbuntuMirror = val
	case "MAX_RETRIES":
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.MaxRetries = n
		}
	case "COMPRESS_FORMAT":
		c.CompressFormat = val
	case "LOG_LEVEL":
		c.LogLevel = ParseLevel(val)
	case "PUBLISH_ENDPOINT":
		c.PublishEndpoint = val
	case "PUBLISH_BUCKET":
		c.PublishBucket = val
	case "PUBLISH_ACCESS_KEY":
		c.PublishAccessKey = val
	case "PUBLISH_SECRET_KEY":
		c.PublishSecretKey = val
	}
	// Unknown keys are deliberately ignored.
}

// Validate rejects configurations no stage could act on.
func (c *BuildConfig) Validate() *ErrorContext {
	if c.BuildDir == "" || c.OutputDir == "" {
		return Errorf(ConfigurationError, "build and output directories must be set")
	}
	if c.ImageSizeMB < 1024 {
		return Errorf(ConfigurationError, "image size %d MB is below the 1024 MB minimum", c.ImageSizeMB)
	}
	if _, ok := FindUbuntuRelease(c.UbuntuCodename); !ok {
		return Errorf(ConfigurationError, "unsupported Ubuntu release %q", c.UbuntuCodename)
	}
	switch c.CompressFormat {
	case "xz", "gz", "zst":
	default:
		return Errorf(ConfigurationError, "unsupported compression format %q", c.CompressFormat)
	}
	if c.Jobs < 1 {
		return Errorf(ConfigurationError, "job count must be at least 1")
	}
	return nil
}
