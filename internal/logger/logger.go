package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	// Set log level from environment
	switch os.Getenv("SQLMIGRATE_LOG_LEVEL") {
	case "DEBUG", "debug":
		log.SetLevel(logrus.DebugLevel)
	case "WARN", "warn", "WARNING", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "ERROR", "error":
		log.SetLevel(logrus.ErrorLevel)
	case "FATAL", "fatal":
		log.SetLevel(logrus.FatalLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
