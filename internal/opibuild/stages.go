package opibuild

import "path/filepath"

// buildStages is the canonical stage order. The pipeline never reorders
// it; gates only decide participation.
var buildStages = []Stage{
	{
		Name: "setup-environment",
		Run:  setupEnvironment,
	},
	{
		Name: "install-prerequisites",
		Gate: func(c *BuildConfig) bool { return c.InstallPrereqs },
		Run:  installPrerequisites,
	},
	{
		Name: "fetch-kernel-source",
		Gate: func(c *BuildConfig) bool { return c.BuildKernel },
		Run:  fetchKernelSource,
	},
	{
		Name: "configure-kernel",
		Gate: func(c *BuildConfig) bool { return c.BuildKernel },
		Needs: []Precondition{
			FileExists("kernel source tree", func(c *BuildConfig) string {
				return filepath.Join(c.KernelDir(), "Makefile")
			}),
		},
		Run: configureKernel,
	},
	{
		Name: "build-kernel",
		Gate: func(c *BuildConfig) bool { return c.BuildKernel },
		Needs: []Precondition{
			FileExists("kernel .config", func(c *BuildConfig) string {
				return filepath.Join(c.KernelDir(), ".config")
			}),
		},
		Run: buildKernel,
	},
	{
		Name:     "bootstrap-rootfs",
		Gate:     func(c *BuildConfig) bool { return c.BuildRootfs },
		Run:      bootstrapRootfs,
		Critical: true,
	},
	{
		Name: "install-kernel",
		Gate: func(c *BuildConfig) bool { return c.BuildKernel && c.BuildRootfs },
		Needs: []Precondition{
			FileExists("kernel Image", func(c *BuildConfig) string {
				return filepath.Join(c.KernelDir(), "arch", c.Arch, "boot", "Image")
			}),
			FileExists("rootfs", func(c *BuildConfig) string {
				return filepath.Join(c.RootfsDir(), "etc", "os-release")
			}),
		},
		Run: installKernel,
	},
	{
		Name: "install-gpu-drivers",
		Gate: func(c *BuildConfig) bool { return c.InstallGPUBlobs && c.BuildRootfs },
		Needs: []Precondition{
			FileExists("rootfs", func(c *BuildConfig) string {
				return filepath.Join(c.RootfsDir(), "etc", "os-release")
			}),
		},
		Run: installGPUDrivers,
	},
	{
		Name: "fetch-uboot-source",
		Gate: func(c *BuildConfig) bool { return c.BuildUBoot },
		Run:  fetchUBootSource,
	},
	{
		Name: "build-uboot",
		Gate: func(c *BuildConfig) bool { return c.BuildUBoot },
		Needs: []Precondition{
			FileExists("u-boot source tree", func(c *BuildConfig) string {
				return filepath.Join(c.UBootDir(), "Makefile")
			}),
		},
		Run: buildUBoot,
	},
	{
		Name: "assemble-image",
		Gate: func(c *BuildConfig) bool { return c.CreateImage },
		Needs: []Precondition{
			FileExists("populated rootfs", func(c *BuildConfig) string {
				return filepath.Join(c.RootfsDir(), "etc", "os-release")
			}),
			FileExists("kernel in rootfs", func(c *BuildConfig) string {
				return filepath.Join(c.RootfsDir(), "boot", "Image")
			}),
			FileExists("bootloader build", func(c *BuildConfig) string {
				return c.UBootDir()
			}),
		},
		Run:      assembleImage,
		Critical: true,
	},
	{
		Name: "publish-image",
		Gate: func(c *BuildConfig) bool { return c.PublishImage },
		Needs: []Precondition{
			FileExists("output directory", func(c *BuildConfig) string {
				return c.OutputDir
			}),
		},
		Run: publishImage,
	},
}
