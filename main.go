package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opibuild/internal/opibuild"
)

var (
	flagEnvFile    string
	flagBuildDir   string
	flagOutputDir  string
	flagRelease    string
	flagDistro     string
	flagJobs       int
	flagImageSize  int64
	flagCompress   string
	flagLogLevel   string
	flagNoClean    bool
	flagContinue   bool
	flagSkipKernel bool
	flagSkipRootfs bool
	flagSkipUBoot  bool
	flagSkipImage  bool
	flagSkipGPU    bool
	flagNoPrereqs  bool
	flagPublish    bool
)

func main() {
	root := &cobra.Command{
		Use:   "opibuild",
		Short: "Build bootable Ubuntu images for the Orange Pi 5 Plus",
		Long: "opibuild cross-compiles a Rockchip kernel and U-Boot, bootstraps an\n" +
			"Ubuntu root filesystem and assembles everything into a flashable disk image.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBuild,
	}

	f := root.Flags()
	f.StringVarP(&flagEnvFile, "env-file", "e", "opibuild.env", "key=value overrides file")
	f.StringVar(&flagBuildDir, "build-dir", "", "working directory for sources and intermediates")
	f.StringVarP(&flagOutputDir, "output-dir", "o", "", "directory for finished artifacts")
	f.StringVarP(&flagRelease, "release", "r", "", "Ubuntu version or codename (e.g. 24.04 or noble)")
	f.StringVarP(&flagDistro, "distro", "d", "desktop", "rootfs flavor: desktop, server, emulation or minimal")
	f.IntVarP(&flagJobs, "jobs", "j", 0, "parallel build jobs (default: CPU count)")
	f.Int64Var(&flagImageSize, "image-size", 0, "image size in MB")
	f.StringVar(&flagCompress, "compress", "", "compression format: xz, gz or zst")
	f.StringVar(&flagLogLevel, "log-level", "", "debug, info, warning, error or critical")
	f.BoolVar(&flagNoClean, "no-clean", false, "reuse the existing build directory")
	f.BoolVar(&flagContinue, "continue-on-error", false, "keep running later stages after a failure")
	f.BoolVar(&flagSkipKernel, "skip-kernel", false, "skip kernel fetch, configure and build")
	f.BoolVar(&flagSkipRootfs, "skip-rootfs", false, "skip rootfs bootstrap")
	f.BoolVar(&flagSkipUBoot, "skip-uboot", false, "skip U-Boot fetch and build")
	f.BoolVar(&flagSkipImage, "skip-image", false, "skip image assembly")
	f.BoolVar(&flagSkipGPU, "skip-gpu", false, "skip Mali driver installation")
	f.BoolVar(&flagNoPrereqs, "no-prereqs", false, "assume host packages are already installed")
	f.BoolVar(&flagPublish, "publish", false, "upload finished artifacts to the configured bucket")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opibuild %s (built %s)\n", opibuild.Version, opibuild.BuildDate)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "releases",
		Short: "List supported Ubuntu releases",
		Run: func(cmd *cobra.Command, args []string) {
			for _, rel := range opibuild.UbuntuReleases {
				lts := ""
				if rel.LTS {
					lts = " LTS"
				}
				fmt.Printf("  %-8s %-10s %s%s\n", rel.Version, rel.Codename, rel.FullName, lts)
			}
		},
	})

	if err := root.Execute(); err != nil {
		if ec, ok := err.(*opibuild.ErrorContext); ok {
			os.Exit(ec.Kind.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigs:
				if opibuild.InCriticalPhase() {
					fmt.Printf("\n[WARNING] mounts and loop devices are live; press Ctrl+C AGAIN to force exit\n")
					select {
					case <-sigs:
						fmt.Println("\n[FATAL] forced immediate exit")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}
				fmt.Printf("\n[INFO] received %v, cancelling build\n", sig)
				cancel()
				time.Sleep(100 * time.Millisecond)
				select {
				case <-sigs:
					fmt.Println("\n[FATAL] second interrupt, forcing exit")
					os.Exit(130)
				case <-time.After(500 * time.Millisecond):
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := os.MkdirAll(cfg.BuildDir, 0755); err != nil {
		return opibuild.Errorf(opibuild.ResourceUnavailable, "cannot create %s: %v", cfg.BuildDir, err)
	}
	log, lerr := opibuild.OpenLogger(cfg.LogPath(), cfg.ErrLogPath(), cfg.LogLevel)
	if lerr != nil {
		return opibuild.Errorf(opibuild.ResourceUnavailable, "cannot open logs: %v", lerr)
	}
	defer log.Close()

	log.Infof("", "opibuild %s starting: Ubuntu %s (%s), %s flavor",
		opibuild.Version, cfg.UbuntuVersion, cfg.UbuntuCodename, cfg.Distro)

	if ec := opibuild.RunPipeline(ctx, cfg, log); ec != nil {
		log.Context(ec)
		return ec
	}
	log.Infof("", "build finished, artifacts in %s", cfg.OutputDir)
	return nil
}

func buildConfig() (*opibuild.BuildConfig, error) {
	cfg := opibuild.DefaultConfig()
	if err := cfg.LoadEnvFile(flagEnvFile); err != nil {
		return nil, opibuild.Errorf(opibuild.ConfigurationError, "%v", err)
	}

	if flagBuildDir != "" {
		cfg.BuildDir = flagBuildDir
	}
	if flagOutputDir != "" {
		cfg.OutputDir = flagOutputDir
	}
	if flagRelease != "" {
		rel, ok := opibuild.FindUbuntuRelease(flagRelease)
		if !ok {
			return nil, opibuild.Errorf(opibuild.ConfigurationError, "unknown Ubuntu release %q", flagRelease)
		}
		cfg.UbuntuVersion = rel.Version
		cfg.UbuntuCodename = rel.Codename
		cfg.KernelVersion = rel.KernelVersion + ".0"
	}
	switch flagDistro {
	case "desktop":
		cfg.Distro = opibuild.DistroDesktop
	case "server":
		cfg.Distro = opibuild.DistroServer
	case "emulation":
		cfg.Distro = opibuild.DistroEmulation
	case "minimal":
		cfg.Distro = opibuild.DistroMinimal
	default:
		return nil, opibuild.Errorf(opibuild.ConfigurationError, "unknown distro flavor %q", flagDistro)
	}
	if flagJobs > 0 {
		cfg.Jobs = flagJobs
	}
	if flagImageSize > 0 {
		cfg.ImageSizeMB = flagImageSize
	}
	if flagCompress != "" {
		cfg.CompressFormat = flagCompress
	}
	if flagLogLevel != "" {
		cfg.LogLevel = opibuild.ParseLevel(flagLogLevel)
	}
	cfg.CleanBuild = !flagNoClean
	cfg.ContinueOnError = flagContinue
	cfg.BuildKernel = !flagSkipKernel
	cfg.BuildRootfs = !flagSkipRootfs
	cfg.BuildUBoot = !flagSkipUBoot
	cfg.CreateImage = !flagSkipImage
	cfg.InstallGPUBlobs = !flagSkipGPU
	cfg.InstallPrereqs = !flagNoPrereqs
	cfg.PublishImage = flagPublish

	if ec := cfg.Validate(); ec != nil {
		return nil, ec
	}
	return cfg, nil
}
