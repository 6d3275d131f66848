package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the app settings and installs
// the same settings on the logrus standard logger.
func NewLogger(app AppConfig) *logrus.Logger {
	level, err := logrus.ParseLevel(app.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if app.Debug {
		level = logrus.DebugLevel
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if strings.EqualFold(app.LogFormat, "json") {
		formatter = &logrus.JSONFormatter{}
	}

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)

	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(level)
	l.SetFormatter(formatter)
	return l
}
