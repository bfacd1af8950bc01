package opibuild

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
)

// Level is the ordered logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config/CLI string onto a Level, ignoring case.
// Unrecognized values fall back to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	case "critical":
		return LevelCritical
	default:
		return LevelInfo
	}
}

const logTimeFormat = "2006-01-02 15:04:05"

// Logger writes accepted entries to three sinks: a colorized console line,
// a plain line in the full log, and — for Error and above — a plain line in
// the error log. The file sinks are process-wide: opened once at startup and
// closed exactly once at shutdown, never reopened mid-run.
type Logger struct {
	Threshold Level
	Console   io.Writer

	logFile *os.File
	errFile *os.File
}

// OpenLogger opens the two persistent log files in append mode. A missing
// console writer defaults to stdout.
func OpenLogger(logPath, errPath string, threshold Level) (*Logger, error) {
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	ef, err := os.OpenFile(errPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("failed to open error log file %s: %w", errPath, err)
	}
	return &Logger{
		Threshold: threshold,
		Console:   os.Stdout,
		logFile:   lf,
		errFile:   ef,
	}, nil
}

// Close flushes and closes the file sinks. Safe to call once only; the
// process calls it from a single shutdown path.
func (lg *Logger) Close() error {
	var first error
	if lg.logFile != nil {
		if err := lg.logFile.Close(); err != nil {
			first = err
		}
		lg.logFile = nil
	}
	if lg.errFile != nil {
		if err := lg.errFile.Close(); err != nil && first == nil {
			first = err
		}
		lg.errFile = nil
	}
	return first
}

func levelStyle(level Level) colorPrinter {
	switch level {
	case LevelDebug:
		return color.Debug
	case LevelInfo:
		return color.Info
	case LevelWarning:
		return color.Warn
	case LevelError:
		return color.Error
	case LevelCritical:
		return color.Danger
	default:
		return nil
	}
}

// Logf writes one entry. The stage name groups lines for postmortems; pass
// "" for process-level messages.
func (lg *Logger) Logf(level Level, stage, format string, args ...any) {
	if level < lg.Threshold {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format(logTimeFormat)
	where := stage
	if where == "" {
		where = "opibuild"
	}

	if lg.Console != nil {
		line := fmt.Sprintf("[%s] [%s] %s: %s", ts, level, where, msg)
		if st := levelStyle(level); st != nil && lg.Console == os.Stdout {
			st.Println(line)
		} else {
			fmt.Fprintln(lg.Console, line)
		}
	}
	plain := fmt.Sprintf("[%s] [%s] %s: %s\n", ts, level, where, msg)
	if lg.logFile != nil {
		lg.logFile.WriteString(plain)
	}
	if level >= LevelError && lg.errFile != nil {
		lg.errFile.WriteString(plain)
	}
}

func (lg *Logger) Debugf(stage, format string, args ...any) {
	lg.Logf(LevelDebug, stage, format, args...)
}

func (lg *Logger) Infof(stage, format string, args ...any) {
	lg.Logf(LevelInfo, stage, format, args...)
}

func (lg *Logger) Warnf(stage, format string, args ...any) {
	lg.Logf(LevelWarning, stage, format, args...)
}

func (lg *Logger) Errorf(stage, format string, args ...any) {
	lg.Logf(LevelError, stage, format, args...)
}

// Context records a structured failure, keyed by its originating stage so
// the error log groups cleanly.
func (lg *Logger) Context(ec *ErrorContext) {
	if ec == nil {
		return
	}
	lg.Logf(LevelError, ec.Stage, "%s: %s", ec.Kind, ec.Message)
}

// Raw returns the writer external command output is teed into. Output lines
// land in the full log verbatim, without per-line level formatting.
func (lg *Logger) Raw() io.Writer {
	if lg.logFile == nil {
		return io.Discard
	}
	return lg.logFile
}
