package tool

import (
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

var DefaultLogger = log.Default()

func InitLogger() {
	DefaultLogger.SetTimeFormat("2006-01-02 15:04:05")
	DefaultLogger.SetReportCaller(true)
}

// SetLogMode maps the --log flag onto a level: dev=debug, prod=info, none=fatal.
func SetLogMode(mode string) {
	switch strings.ToLower(mode) {
	case "dev":
		DefaultLogger.SetLevel(log.DebugLevel)
	case "none":
		DefaultLogger.SetLevel(log.FatalLevel)
	default:
		DefaultLogger.SetLevel(log.InfoLevel)
	}
}

// DiscardLogger returns a logger that writes nowhere, for tests and embedding.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}
