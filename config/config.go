package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	Network string
	DataDir string

	P2P     P2PConfig
	RPC     RPCConfig
	Produce ProduceConfig
	Log     LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoListen   bool
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled bool
	Addr    string
	Port    int
}

// ProduceConfig holds block production settings.
// Whether to produce is a node choice; how blocks validate is protocol.
type ProduceConfig struct {
	Enabled bool
	// SeedFile is the path to the producer's mnemonic seed file.
	SeedFile string
	// PayoutAddress receives the coinbase output (hex, 20 bytes).
	PayoutAddress string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
	JSON  bool
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.popd
//	macOS:   ~/Library/Application Support/Popd
//	Windows: %APPDATA%\Popd
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".popd"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Popd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Popd")
		}
		return filepath.Join(home, "AppData", "Roaming", "Popd")
	default:
		return filepath.Join(home, ".popd")
	}
}

// Default returns the default node configuration for the given network.
func Default(network string) *Config {
	params, err := Params(network)
	if err != nil {
		params = MainNet()
	}
	return &Config{
		Network: params.Name,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			ListenAddr: "0.0.0.0",
			Port:       params.DefaultPort,
			Seeds:      params.Seeds,
			MaxPeers:   64,
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    "127.0.0.1",
			Port:    params.DefaultRPCPort,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, c.Network)
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LockFile returns the path of the single-instance lock file.
func (c *Config) LockFile() string {
	return filepath.Join(c.DataDir, ".lock")
}
