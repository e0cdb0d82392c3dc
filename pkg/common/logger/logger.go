package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

type ctxKey struct{}

func Init() {
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func init() {
	// Packages log through Log before main calls Init (tests, commands).
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.WarnLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// Security returns an entry routed to the paging channel. Only tenant
// mismatches and authentication failures go through here.
func Security(ctx context.Context) *logrus.Entry {
	return FromContext(ctx).WithFields(logrus.Fields{
		"alert": "security",
		"page":  true,
	})
}

// WithContext stores a request-scoped entry on ctx.
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, entry)
}

// FromContext returns the request-scoped entry, or a bare entry when none was set.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
			return entry
		}
	}
	return logrus.NewEntry(Log)
}
