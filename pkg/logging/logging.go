// Package logging configures the process-wide logrus logger used by every
// MosaicDB component.
//
// Components never create their own loggers; they derive a component-scoped
// entry with For and attach request-specific fields with WithFields:
//
//	log := logging.For("storage")
//	log.WithFields(logrus.Fields{"label": label}).Debug("scan started")
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Logger returns the process-wide logger.
func Logger() *logrus.Logger {
	return base
}

// For returns an entry tagged with the given component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Configure sets level and output format ("json" or "text").
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	base.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (expected text or json)", format)
	}
	return nil
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}
