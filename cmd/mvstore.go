package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/mvstore/config"
	"github.com/leftmike/mvstore/engine"
)

const (
	defaultConfigFile = "mvstore.hcl"
)

var (
	mvstoreCmd = &cobra.Command{
		Use:               "mvstore",
		Short:             "Maintain an mvstore data directory",
		Long:              "Mvstore inspects and checkpoints the data directory of a storage engine.",
		PersistentPreRunE: mvstorePreRun,
		PersistentPostRun: mvstorePostRun,
		SilenceUsage:      true,
	}

	logFile   = "mvstore.log"
	logStderr = false
	logWriter io.WriteCloser

	configFile = defaultConfigFile
	noConfig   = false

	cfg = config.Default()
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := mvstoreCmd.PersistentFlags()
	cfg.Flags(fs)

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
}

func Execute() error {
	return mvstoreCmd.Execute()
}

func mvstorePreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		_, err := os.Stat(configFile)
		if err == nil || configFile != defaultConfigFile {
			err = cfg.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("mvstore: %s", err)
			}
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("mvstore: %s", err)
		}
		log.SetOutput(logWriter)
	}

	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("mvstore: %s", err)
	}
	cfg.Logger = cfg.MakeLogger()

	cfg.Logger.WithField("pid", os.Getpid()).Info("mvstore starting")
	return nil
}

func mvstorePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("mvstore done")

	if logWriter != nil {
		logWriter.Close()
	}
}

// withEngine opens the engine for the duration of fn.
func withEngine(fn func(e *engine.Engine) error) error {
	e, err := engine.Open(cfg)
	if err != nil {
		return err
	}

	err = fn(e)
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}
