package opibuild

import (
	"github.com/gookit/color"
)

// Version metadata, overridden at build time.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// color helpers
var (
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colWarn    = color.Warn
	colError   = color.Error
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}
