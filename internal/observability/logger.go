// Package observability wires logging, metrics and the HTTP middleware that
// feeds them.
package observability

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus logger. format is "json" or "text"; an unknown
// level falls back to info.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
