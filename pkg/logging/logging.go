// Package logging builds the process-wide hclog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"clustercore/config"
)

// New returns a logger configured from cfg and the writer it logs to. The
// returned closer must be called on shutdown when logging to a file.
func New(name string, cfg config.LoggingConfig) (hclog.Logger, io.Closer, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		return nil, nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
	})
	return logger, closer, nil
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
