package obs

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// Logger exposes the underlying logger, mainly so tests can redirect output.
func Logger() *logrus.Logger { return base }

type Fields map[string]any

func logWith(level logrus.Level, msg string, f Fields) {
	if !base.IsLevelEnabled(level) {
		return
	}
	base.WithFields(logrus.Fields(f)).Log(level, msg)
}

func Info(msg string, f Fields)  { logWith(logrus.InfoLevel, msg, f) }
func Error(msg string, f Fields) { logWith(logrus.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(logrus.DebugLevel, msg, f) }
