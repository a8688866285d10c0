package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the process-wide logger for JSON output at the
// given level and returns it. Unknown levels fall back to info.
func SetupLogging(level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyLevel: "loglevel",
		},
	})
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}
