package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	Log = logrus.New()
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	// Diagnostics go to stderr; stdout and the daemon logfile carry only
	// the append-only message records.
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
}
