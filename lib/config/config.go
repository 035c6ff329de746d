// Package config carries the railway's tunable settings, loaded through
// viper from a yaml config file with sane defaults. Settings are
// process-memory only; nothing here persists fabric state.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// CfgFile is the config file path supplied by the CLI; empty means
	// the default location under the railway home directory.
	CfgFile string

	log = logger.GetGoI2PLogger()
)

const railwayBaseDir = ".go-railway"

// RailwayConfig is the top-level configuration.
type RailwayConfig struct {
	// MaxPayload bounds the plaintext payload accepted for
	// encapsulation, in bytes.
	MaxPayload int `yaml:"max_payload"`

	// MalformedRate and MalformedBurst shape the per-tunnel token bucket
	// for malformed packets; exceeding the budget tears the tunnel down.
	MalformedRate  float64 `yaml:"malformed_rate"`
	MalformedBurst int     `yaml:"malformed_burst"`

	// LogLevel is the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

var defaultRailwayConfig = RailwayConfig{
	MaxPayload:     65536,
	MalformedRate:  2,
	MalformedBurst: 8,
	LogLevel:       "warn",
}

// Defaults returns the built-in configuration.
func Defaults() RailwayConfig {
	return defaultRailwayConfig
}

// HomeDir returns the railway config directory, creating it if needed.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Warn("no home directory, using working directory")
		home = "."
	}
	dir := filepath.Join(home, railwayBaseDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Warn("could not create railway home directory")
	}
	return dir
}

// InitConfig wires viper to the config file (flag-supplied or default),
// loads defaults, and creates the default file when missing.
func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(HomeDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	handleConfigFile()
}

func setDefaults() {
	viper.SetDefault("max_payload", defaultRailwayConfig.MaxPayload)
	viper.SetDefault("malformed_rate", defaultRailwayConfig.MalformedRate)
	viper.SetDefault("malformed_burst", defaultRailwayConfig.MalformedBurst)
	viper.SetDefault("log_level", defaultRailwayConfig.LogLevel)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && CfgFile == "" {
			writeDefaultConfigFile()
			return
		}
		log.WithError(err).Warn("could not read config file, using defaults")
	}
}

// writeDefaultConfigFile materializes the defaults as yaml so operators
// have a file to edit.
func writeDefaultConfigFile() {
	path := filepath.Join(HomeDir(), "config.yaml")
	out, err := yaml.Marshal(defaultRailwayConfig)
	if err != nil {
		log.WithError(err).Warn("could not marshal default config")
		return
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		log.WithError(err).Warn("could not write default config file")
		return
	}
	log.WithField("path", path).Debug("wrote default config file")
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).Warn("could not re-read config file")
	}
}

// FromViper builds a RailwayConfig from the current viper state. This is
// the preferred accessor; callers should not reach into viper directly.
func FromViper() RailwayConfig {
	return RailwayConfig{
		MaxPayload:     viper.GetInt("max_payload"),
		MalformedRate:  viper.GetFloat64("malformed_rate"),
		MalformedBurst: viper.GetInt("malformed_burst"),
		LogLevel:       viper.GetString("log_level"),
	}
}
