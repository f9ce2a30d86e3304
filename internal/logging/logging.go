// Package logging builds the zerolog logger used by the binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options selects level and output format. Format is one of "json",
// "console" or "auto" (console when Out is a terminal).
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New returns a logger configured from opts.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch strings.ToLower(opts.Format) {
	case "", "auto":
		if isTerminal(out) {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !isTerminal(out)}
	case "json":
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel converts a level name into a zerolog.Level. Empty means
// info; "warning" and "off" are accepted as aliases.
func ParseLevel(s string) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		name = zerolog.WarnLevel.String()
	case "off":
		name = zerolog.Disabled.String()
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, "unknown log level %q", s)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
