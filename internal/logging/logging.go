// Package logging builds the daemon logger: a colored console handler and an
// optional plain-text log file, both with credentials redacted.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	dirldap "github.com/isometry/dirsync/internal/ldap"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options select where and how much to log.
type Options struct {
	Level slog.Level
	// Console defaults to os.Stderr. Color is used only on a terminal.
	Console io.Writer
	// File, when set, receives every record as logfmt text.
	File string
	// Quiet drops the console output, for detached daemons.
	Quiet bool
}

// New returns the logger described by opts and a function that closes the
// log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	closer := func() error { return nil }
	var handlers []slog.Handler

	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:       opts.Level,
			TimeFormat:  consoleTimeFormat,
			NoColor:     !isTerminal(console),
			ReplaceAttr: dirldap.RedactAttr,
		}))
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = file.Close
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
			Level:       opts.Level,
			ReplaceAttr: dirldap.RedactAttr,
		}))
	}

	if len(handlers) == 0 {
		return slog.New(slog.DiscardHandler), closer, nil
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(NewFanoutHandler(handlers...)), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
