// Package logsetup configures the process-wide logrus logger from a node's log settings.
package logsetup

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrInvalidLevel = fmt.Errorf("invalid log level")

// ParseLevel parses one of error, warning, info or debug
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return log.ErrorLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
}

// Setup applies log settings.  A non-empty levelOverride takes precedence over the configured level.  The
// returned closer flushes and closes the log file, if there is one.
func Setup(cfg config.Log, levelOverride string) (io.Closer, error) {
	level := cfg.Level
	if levelOverride != "" {
		level = levelOverride
	}
	if level != "" {
		l, err := ParseLevel(level)
		if err != nil {
			return nil, err
		}
		log.SetLevel(l)
	}
	log.SetFormatter(&log.TextFormatter{
		ForceColors:   cfg.File == "" && isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	})
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,    // megabytes
		MaxBackups: cfg.MaxBackups, // number of backups
		MaxAge:     cfg.MaxAge,     // days
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj, nil
}
