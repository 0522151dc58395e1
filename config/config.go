// Package config loads the TOML configuration of a collabfs hub and the
// deployment secrets kept next to it in a .env file.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Structs

// Config holds all information parsed from a supplied config file.
type Config struct {
	Hub Hub
}

// Hub describes one hub process: its public endpoint, the Prometheus
// exposition address, the snapshot store adapter and the protocol timings.
type Hub struct {
	Name           string
	ListenAddr     string
	PrometheusAddr string

	// TLS material for the public endpoint. Both empty means the hub
	// listens in plaintext, which only makes sense behind a terminating
	// proxy or in tests.
	PublicCertLoc string
	PublicKeyLoc  string

	StoreAdapter  string
	StoreDir      *StoreDir
	StorePostgres *StorePostgres

	SnapshotInterval  Duration
	HeartbeatInterval Duration

	// WriteTimeout bounds each frame write on a client stream so a stuck
	// peer cannot stall a broadcast.
	WriteTimeout Duration

	// SendQueueLength bounds the per-connection outbound queue; a peer
	// that falls further behind is dropped. MaxFrameBytes bounds inbound
	// frames.
	SendQueueLength int
	MaxFrameBytes   int
}

// StoreDir configures the directory snapshot store.
type StoreDir struct {
	Root string
}

// StorePostgres configures the Postgres snapshot store. Password is
// populated from the .env file, not the config file.
type StorePostgres struct {
	IP       string
	Port     uint16
	Database string
	User     string
	Password string
	UseTLS   bool
}

// Duration wraps time.Duration so intervals can be written as strings
// ("5m", "30s") in the TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText parses the TOML string form.
func (d *Duration) UnmarshalText(text []byte) error {

	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration '%s': %v", text, err)
	}

	d.Duration = parsed

	return nil
}

// Functions

// LoadConfig parses the TOML file at configFile, makes its relative paths
// absolute against the file's directory and fills in defaults for values
// left out.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", configFile, err)
	}

	absConfigDir, err := filepath.Abs(filepath.Dir(configFile))
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of config directory: %v", err)
	}

	// Prefix each relative path in config with the absolute path of the
	// directory the config file lives in.

	if conf.Hub.PublicCertLoc != "" && !filepath.IsAbs(conf.Hub.PublicCertLoc) {
		conf.Hub.PublicCertLoc = filepath.Join(absConfigDir, conf.Hub.PublicCertLoc)
	}

	if conf.Hub.PublicKeyLoc != "" && !filepath.IsAbs(conf.Hub.PublicKeyLoc) {
		conf.Hub.PublicKeyLoc = filepath.Join(absConfigDir, conf.Hub.PublicKeyLoc)
	}

	if conf.Hub.StoreDir != nil && !filepath.IsAbs(conf.Hub.StoreDir.Root) {
		conf.Hub.StoreDir.Root = filepath.Join(absConfigDir, conf.Hub.StoreDir.Root)
	}

	// Fall back to the protocol defaults where the file stays silent.

	if conf.Hub.SnapshotInterval.Duration == 0 {
		conf.Hub.SnapshotInterval.Duration = 5 * time.Minute
	}

	if conf.Hub.HeartbeatInterval.Duration == 0 {
		conf.Hub.HeartbeatInterval.Duration = 30 * time.Second
	}

	if conf.Hub.WriteTimeout.Duration == 0 {
		conf.Hub.WriteTimeout.Duration = 10 * time.Second
	}

	if conf.Hub.SendQueueLength == 0 {
		conf.Hub.SendQueueLength = 256
	}

	if conf.Hub.StoreAdapter == "" {
		conf.Hub.StoreAdapter = "StoreDir"
	}

	if conf.Hub.StoreAdapter == "StoreDir" && conf.Hub.StoreDir == nil {
		conf.Hub.StoreDir = &StoreDir{Root: filepath.Join(absConfigDir, "snapshots")}
	}

	return conf, nil
}
