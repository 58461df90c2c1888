// Package logx builds the zerolog loggers used by the store and its tools.
package logx

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var callerOnce sync.Once

// New returns a logger writing to w at the named level ("debug", "info",
// "warn", "error", "disabled"). Unknown levels fall back to info. When json
// is false the output is a human-readable console format.
func New(w io.Writer, level string, json bool) zerolog.Logger {
	callerOnce.Do(func() {
		zerolog.CallerMarshalFunc = shortCaller
	})

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if !json {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
}

// shortCaller keeps just the file name and pads it for alignment.
func shortCaller(pc uintptr, file string, line int) string {
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%-20s", fmt.Sprintf("%s:%d", short, line))
}
