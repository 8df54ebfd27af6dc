// Package config loads the node-wide configuration file binding together
// the optimizer, spatial, and txncoord subsystems' tunables plus logging.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/coredbio/coredb/optimizer"
	"github.com/coredbio/coredb/spatial"
	"github.com/coredbio/coredb/txncoord"
)

// LoggingConfig controls the shared logrus logger every subsystem is
// constructed with.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultLoggingConfig returns the logging defaults used when a config file
// omits the logging section.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", JSON: false}
}

// BuildLogger constructs a *logrus.Logger from c, falling back to info
// level on an unparseable level string rather than failing startup over a
// cosmetic setting.
func (c LoggingConfig) BuildLogger() *logrus.Logger {
	logger := logrus.New()
	if c.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Config is the top-level node configuration, unmarshaled from YAML.
type Config struct {
	Logging   LoggingConfig           `yaml:"logging"`
	Optimizer optimizer.Config        `yaml:"optimizer"`
	TxnCoord  txncoord.Config         `yaml:"txn_coordinator"`
	Saga      txncoord.SagaConfig     `yaml:"saga"`
	Deadlock  txncoord.DeadlockConfig `yaml:"deadlock"`
	Spatial   spatial.Config          `yaml:"spatial"`
}

// Default returns a Config with every subsystem's own defaults.
func Default() Config {
	return Config{
		Logging:   DefaultLoggingConfig(),
		Optimizer: optimizer.DefaultConfig(),
		TxnCoord:  txncoord.DefaultConfig(),
		Saga:      txncoord.DefaultSagaConfig(),
		Deadlock:  txncoord.DefaultDeadlockConfig(),
		Spatial:   spatial.DefaultConfig(),
	}
}

// Load reads and parses a YAML config file at path, applying defaults for
// any section the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}
