package state_config

import (
	"io/ioutil"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/pruner"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/record_db"
)

type Config struct {
	DataDir string `yaml:"data_dir"`
	// record_db backend name: leveldb, bolt or rocksdb
	Backend    string `yaml:"backend"`
	SyncWrites bool   `yaml:"sync_writes"`
	InMemory   bool   `yaml:"in_memory"`

	NodeCacheSize   int `yaml:"node_cache_size"`
	ValueCacheBytes int `yaml:"value_cache_bytes"`

	RetiredSnapshotIDs int `yaml:"retired_snapshot_ids"`

	Pruning pruner.Config `yaml:"pruning"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

func Default() Config {
	return Config{
		DataDir:            "data",
		Backend:            "leveldb",
		SyncWrites:         true,
		NodeCacheSize:      1 << 16,
		ValueCacheBytes:    32 << 20,
		RetiredSnapshotIDs: 4096,
		Pruning:            pruner.DefaultConfig(),
		Metrics:            MetricsConfig{Enabled: true},
		Log:                LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default. Relative data dirs are resolved
// against the directory of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	known := false
	for _, b := range record_db.Backends() {
		known = known || b == c.Backend
	}
	if !known {
		return errors.Errorf("unknown backend %q, have %v", c.Backend, record_db.Backends())
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data_dir is required unless in_memory is set")
	}
	if c.Pruning.Enabled && c.Pruning.Distance == 0 {
		return errors.New("pruning.distance must be positive")
	}
	return nil
}

func (c *Config) RecordDBOpts() record_db.Opts {
	return record_db.Opts{Path: c.DataDir, SyncWrites: c.SyncWrites, InMemory: c.InMemory}
}

func (c LogConfig) Build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, errors.Wrap(err, "log level")
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
