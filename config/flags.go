package config

import (
	"flag"
	"fmt"
	"strings"
)

// ParseFlags builds a Config from command-line arguments.
// Flags override network defaults.
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("popd", flag.ContinueOnError)

	network := fs.String("network", "mainnet", "network to join (mainnet, regnet)")
	dataDir := fs.String("datadir", "", "data directory (default: platform-specific)")
	listen := fs.String("listen", "", "p2p listen address")
	port := fs.Int("port", 0, "p2p listen port")
	seeds := fs.String("seeds", "", "comma-separated seed peers (host:port)")
	maxPeers := fs.Int("maxpeers", 0, "maximum peer connections")
	noListen := fs.Bool("nolisten", false, "disable inbound connections")

	rpcAddr := fs.String("rpcbind", "", "rpc bind address")
	rpcPort := fs.Int("rpcport", 0, "rpc port")
	noRPC := fs.Bool("norpc", false, "disable the rpc server")

	produce := fs.Bool("produce", false, "enable local block production")
	seedFile := fs.String("seedfile", "", "producer mnemonic seed file")
	payout := fs.String("payout", "", "coinbase payout address (hex)")

	logLevel := fs.String("loglevel", "", "log level (debug, info, warn, error)")
	logFile := fs.String("logfile", "", "log file path")
	logJSON := fs.Bool("logjson", false, "log JSON to stdout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default(*network)
	if _, err := Params(*network); err != nil {
		return nil, err
	}
	cfg.Network = *network

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.P2P.ListenAddr = *listen
	}
	if *port != 0 {
		cfg.P2P.Port = *port
	}
	if *seeds != "" {
		cfg.P2P.Seeds = splitSeeds(*seeds)
	}
	if *maxPeers != 0 {
		cfg.P2P.MaxPeers = *maxPeers
	}
	cfg.P2P.NoListen = *noListen

	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if *rpcPort != 0 {
		cfg.RPC.Port = *rpcPort
	}
	if *noRPC {
		cfg.RPC.Enabled = false
	}

	cfg.Produce.Enabled = *produce
	cfg.Produce.SeedFile = *seedFile
	cfg.Produce.PayoutAddress = *payout
	if cfg.Produce.Enabled && cfg.Produce.SeedFile == "" {
		return nil, fmt.Errorf("block production requires -seedfile")
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	cfg.Log.File = *logFile
	cfg.Log.JSON = *logJSON

	return cfg, nil
}

func splitSeeds(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
