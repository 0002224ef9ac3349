// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at w (stderr when nil) and sets the global
// level. format is "json" or "console"; empty means json. Components derive
// their sub-loggers from log.Logger when they are constructed, so Setup must
// run first.
func Setup(level, format, service string, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return errors.Wrapf(err, "logging: level %q", level)
		}
		lvl = parsed
	}

	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return errors.Errorf("logging: unknown format %q", format)
	}

	zerolog.SetGlobalLevel(lvl)
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	log.Logger = ctx.Logger()
	return nil
}
