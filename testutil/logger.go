package testutil

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"
)

var (
	logFile   = ""
	logLevel  = "info"
	logStderr = false
)

func init() {
	flag.StringVar(&logFile, "log-file", logFile, "`file` for the logs of engines under test")
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// SetupLogger returns a logger for the engines started by a test package. Output is appended
// to file, or -log-file, unless -log-stderr is given. Must be called after flag.Parse.
func SetupLogger(file string) *log.Logger {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		panic(err)
	}

	logger := log.New()
	logger.SetLevel(ll)
	logger.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	if !logStderr {
		if logFile != "" {
			file = logFile
		}
		w, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			panic(err)
		}
		logger.SetOutput(w)
	}

	// Helper processes share the log with the test that started them.
	fields := log.Fields{"pid": os.Getpid()}
	if phase := DurablePhase(); phase != "" {
		fields["phase"] = phase
	}
	logger.WithFields(fields).Info("tests starting")
	return logger
}
