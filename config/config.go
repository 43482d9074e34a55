package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/hcl"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/leftmike/mvstore/storage/snapshot"
	"github.com/leftmike/mvstore/storage/wal"
)

// Config holds the engine parameters. Every field except Logger has a flag and may be set
// in an HCL config file using the flag's name.
type Config struct {
	DataDir       string
	Durability    wal.Durability
	SyncInterval  time.Duration
	SnapshotStore string
	Shards        int
	ScanWorkers   int
	ScanChunkRows int
	AggCacheSize  int
	LogLevel      string

	// Defaults to log.StandardLogger().
	Logger *log.Logger
}

func Default() Config {
	return Config{
		DataDir:       "mvstore",
		Durability:    wal.DurabilityGroup,
		SyncInterval:  2 * time.Millisecond,
		SnapshotStore: snapshot.BBoltKind,
		Shards:        16,
		ScanWorkers:   4,
		ScanChunkRows: 4096,
		AggCacheSize:  1024,
		LogLevel:      "info",
	}
}

type durabilityValue struct {
	d *wal.Durability
}

func (dv durabilityValue) Set(s string) error {
	d, err := wal.ParseDurability(s)
	if err != nil {
		return err
	}
	*dv.d = d
	return nil
}

func (dv durabilityValue) String() string {
	return dv.d.String()
}

func (dv durabilityValue) Type() string {
	return "durability"
}

// Flags binds every parameter to a flag in fs.
func (cfg *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "`directory` for the wal and snapshots")
	fs.Var(durabilityValue{&cfg.Durability}, "wal-durability",
		"wal durability: none, group, or commit")
	fs.DurationVar(&cfg.SyncInterval, "wal-sync-interval", cfg.SyncInterval,
		"how often group durability syncs the wal")
	fs.StringVar(&cfg.SnapshotStore, "snapshot-store", cfg.SnapshotStore,
		"snapshot store: bbolt, badger, pebble, or file")
	fs.IntVar(&cfg.Shards, "shards", cfg.Shards, "number of shards per row map")
	fs.IntVar(&cfg.ScanWorkers, "scan-workers", cfg.ScanWorkers, "parallel workers per scan")
	fs.IntVar(&cfg.ScanChunkRows, "scan-chunk-rows", cfg.ScanChunkRows,
		"rows per scan chunk")
	fs.IntVar(&cfg.AggCacheSize, "agg-cache-size", cfg.AggCacheSize,
		"cached aggregates; 0 disables the cache")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
}

// Load reads an HCL config file and sets every parameter in it that was not already set on
// the command line.
func (cfg *Config) Load(configFile string, fs *pflag.FlagSet) error {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	vals := map[string]interface{}{}
	err = hcl.Decode(&vals, string(b))
	if err != nil {
		return fmt.Errorf("config: %s: %s", configFile, err)
	}

	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		flg := fs.Lookup(name)
		if flg == nil {
			return fmt.Errorf("config: %s is not a config variable", name)
		}
		if flg.Changed {
			continue
		}
		err = flg.Value.Set(fmt.Sprintf("%v", vals[name]))
		if err != nil {
			return fmt.Errorf("config: %s: %s", name, err)
		}
	}
	return nil
}

// List writes each parameter as name=value.
func List(w io.Writer, fs *pflag.FlagSet) {
	fs.VisitAll(
		func(flg *pflag.Flag) {
			fmt.Fprintf(w, "%s=%s\n", flg.Name, flg.Value)
		})
}

func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		return errors.New("config: data must be specified")
	}
	if cfg.Shards < 1 {
		return fmt.Errorf("config: shards must be at least 1: %d", cfg.Shards)
	}
	if cfg.ScanWorkers < 1 {
		return fmt.Errorf("config: scan-workers must be at least 1: %d", cfg.ScanWorkers)
	}
	if cfg.ScanChunkRows < 1 {
		return fmt.Errorf("config: scan-chunk-rows must be at least 1: %d", cfg.ScanChunkRows)
	}
	if cfg.AggCacheSize < 0 {
		return fmt.Errorf("config: agg-cache-size must not be negative: %d", cfg.AggCacheSize)
	}
	if cfg.Durability == wal.DurabilityGroup && cfg.SyncInterval <= 0 {
		return fmt.Errorf("config: wal-sync-interval must be positive: %s", cfg.SyncInterval)
	}
	switch cfg.SnapshotStore {
	case snapshot.BBoltKind, snapshot.BadgerKind, snapshot.PebbleKind, snapshot.FileKind:
	default:
		return fmt.Errorf("config: unknown snapshot-store: %s", cfg.SnapshotStore)
	}
	_, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("config: %s", err)
	}
	return nil
}

// MakeLogger returns Logger if set; otherwise the standard logger at the configured level.
func (cfg *Config) MakeLogger() *log.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	logger := log.StandardLogger()
	if ll, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(ll)
	}
	return logger
}
