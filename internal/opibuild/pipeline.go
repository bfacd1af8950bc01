package opibuild

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// criticalPhase is nonzero while a stage that must not be interrupted
// mid-flight is running, such as image assembly with live mounts.
var criticalPhase atomic.Int32

// InCriticalPhase reports whether an interruption right now would leave
// loop devices or mounts behind. Signal handlers consult it before forcing
// an exit.
func InCriticalPhase() bool { return criticalPhase.Load() == 1 }

// BuildEnv bundles what every stage needs: the configuration, the logger
// and the command executor. Cfg is read-only once the pipeline starts;
// values a stage discovers for later stages live on the env itself.
type BuildEnv struct {
	Cfg  *BuildConfig
	Log  *Logger
	Exec *Executor

	// KernelRelease is the version string the built tree reports via
	// `make kernelrelease`. Empty until build-kernel has run.
	KernelRelease string
}

// kernelRelease prefers the version detected from the built tree over the
// configured one.
func (env *BuildEnv) kernelRelease() string {
	if env.KernelRelease != "" {
		return env.KernelRelease
	}
	return env.Cfg.KernelVersion
}

// Precondition names an artifact a stage requires from an earlier stage,
// together with a check for it. Checks run just before the stage.
type Precondition struct {
	Name  string
	Check func(env *BuildEnv) bool
}

// FileExists builds a precondition satisfied when path(env) names an
// existing file or directory.
func FileExists(name string, path func(cfg *BuildConfig) string) Precondition {
	return Precondition{
		Name: name,
		Check: func(env *BuildEnv) bool {
			_, err := os.Stat(path(env.Cfg))
			return err == nil
		},
	}
}

// Stage is one unit of pipeline work. Gate decides whether the
// configuration asks for it at all; a gated-off stage is skipped, which is
// not a failure.
type Stage struct {
	Name  string
	Gate  func(cfg *BuildConfig) bool
	Needs []Precondition
	Run   func(ctx context.Context, env *BuildEnv) *ErrorContext
	// Critical stages hold kernel-visible state (mounts, loop devices)
	// and must be allowed to tear down before the process exits.
	Critical bool
}

// StageStatus is a stage's lifecycle state, reported at the end of a run.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageSucceeded
	StageFailed
	StageSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageSucceeded:
		return "ok"
	case StageFailed:
		return "FAILED"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// StageResult is the outcome of one stage for the final report.
type StageResult struct {
	Name     string
	Status   StageStatus
	Duration time.Duration
	Err      *ErrorContext
}

// Pipeline runs stages in their fixed declaration order.
type Pipeline struct {
	Stages  []Stage
	Results []StageResult
}

// NewPipeline assembles the full board build in its canonical order.
func NewPipeline() *Pipeline {
	return &Pipeline{Stages: buildStages}
}

// RunPipeline is the single entry point for a complete build: it runs the
// canonical stage set against cfg and prints the per-stage summary. The
// returned error is the first fatal stage failure, or nil.
func RunPipeline(ctx context.Context, cfg *BuildConfig, log *Logger) *ErrorContext {
	env := &BuildEnv{Cfg: cfg, Log: log, Exec: NewExecutor(log)}
	p := NewPipeline()
	ec := p.Run(ctx, env)
	p.Report(log)
	return ec
}

// Run executes every gated-on stage in order. A failing stage aborts the
// run unless ContinueOnError is set; missing preconditions and cancellation
// always abort. The first error is returned either way.
func (p *Pipeline) Run(ctx context.Context, env *BuildEnv) *ErrorContext {
	var firstErr *ErrorContext
	var cancelled bool
	p.Results = p.Results[:0]

	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageSkipped})
			if firstErr == nil {
				firstErr = Errorf(Cancelled, "build cancelled").InStage(stage.Name)
			}
			continue
		}
		if stage.Gate != nil && !stage.Gate(env.Cfg) {
			env.Log.Debugf(stage.Name, "disabled by configuration, skipping")
			p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageSkipped})
			continue
		}
		if firstErr != nil && (cancelled || !env.Cfg.ContinueOnError) {
			p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageSkipped})
			continue
		}

		if missing := unmetPreconditions(env, stage); len(missing) > 0 {
			ec := Errorf(PreconditionMissing, "missing: %s", strings.Join(missing, ", ")).InStage(stage.Name)
			env.Log.Context(ec)
			p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageFailed, Err: ec})
			if firstErr == nil {
				firstErr = ec
			}
			// Later stages cannot recover a missing artifact; stop here.
			break
		}

		colArrow.Printf("==> ")
		colSuccess.Printf("stage %s\n", stage.Name)
		env.Log.Infof(stage.Name, "starting")
		start := time.Now()

		if stage.Critical {
			criticalPhase.Store(1)
		}
		ec := stage.Run(ctx, env)
		if stage.Critical {
			criticalPhase.Store(0)
		}
		elapsed := time.Since(start).Round(time.Millisecond)

		if ec != nil {
			ec = ec.InStage(stage.Name)
			env.Log.Context(ec)
			p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageFailed, Duration: elapsed, Err: ec})
			if firstErr == nil {
				firstErr = ec
			}
			if ec.Kind == Cancelled {
				// Continue-on-error never overrides a cancellation.
				cancelled = true
				continue
			}
			if !env.Cfg.ContinueOnError {
				continue
			}
			env.Log.Warnf(stage.Name, "failed, continuing because continue-on-error is set")
			continue
		}

		env.Log.Infof(stage.Name, "completed in %s", elapsed)
		p.Results = append(p.Results, StageResult{Name: stage.Name, Status: StageSucceeded, Duration: elapsed})
	}
	return firstErr
}

func unmetPreconditions(env *BuildEnv, stage Stage) []string {
	var missing []string
	for _, need := range stage.Needs {
		if !need.Check(env) {
			missing = append(missing, need.Name)
		}
	}
	return missing
}

// Report writes a per-stage summary to the console and the log.
func (p *Pipeline) Report(log *Logger) {
	fmt.Println()
	colSuccess.Println("build summary")
	for _, r := range p.Results {
		line := fmt.Sprintf("  %-22s %-8s", r.Name, r.Status)
		if r.Duration > 0 {
			line += fmt.Sprintf(" %10s", r.Duration)
		}
		switch r.Status {
		case StageFailed:
			colError.Println(line)
		case StageSkipped:
			colWarn.Println(line)
		default:
			fmt.Println(line)
		}
		log.Infof("summary", "%s: %s (%s)", r.Name, r.Status, r.Duration)
	}
}
