package core

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	once.Do(
		func() {
			l := log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				TimeFormat:      time.RFC3339,
				Prefix:          "sketchvk",
			})
			l.SetLevel(log.InfoLevel)
			// helpers below add one frame on top of the caller
			l.SetCallerOffset(1)
			singleton = &logger{l}
		})
	return singleton
}

// SetLogLevel accepts debug, info, warn, error or fatal. Unknown values are
// reported and leave the current level untouched.
func SetLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		getLogger().Warnf("unknown log level %q, keeping %s", level, getLogger().GetLevel())
		return
	}
	getLogger().SetLevel(lvl)
}

// SetLogOutput redirects the engine log, stderr by default.
func SetLogOutput(w io.Writer) {
	getLogger().SetOutput(w)
}

// Logger returns a structured logger that shares the engine output and level
// but carries its own prefix.
func Logger(prefix string) *log.Logger {
	l := getLogger().WithPrefix(prefix)
	l.SetCallerOffset(0)
	return l
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Fatalf(msg, args...)
}
