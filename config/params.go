// Package config holds consensus parameters and node runtime settings.
//
// Configuration is split into two categories:
//   - Consensus parameters: fixed per network, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/microguy/proof-of-participation/pkg/types"
)

// Consensus limits shared by every network.
const (
	// MaxBlockSize is the maximum serialized block size in bytes.
	MaxBlockSize = 1_000_000

	// MaxTxSize is the maximum serialized transaction size in bytes.
	MaxTxSize = 100_000

	// CoinbaseMaturity is the number of confirmations a coinbase output
	// must have before it can be spent.
	CoinbaseMaturity uint64 = 100

	// MedianTimeSpan is the number of previous headers whose timestamp
	// median lower-bounds a new block's timestamp.
	MedianTimeSpan = 11

	// MaxTimeOffset is how far into the future a block timestamp may be.
	MaxTimeOffset = 2 * time.Hour

	// MaxProducerClockSkew is how far before its parent a post-activation
	// block timestamp may be.
	MaxProducerClockSkew = 24 * time.Hour
)

// Mempool policy constants.
const (
	// FreeZonePercent is the fraction of a block template reserved for
	// high-priority zero-fee transactions.
	FreeZonePercent = 5

	// FreePriorityThreshold is the minimum priority score for free
	// admission regardless of fee.
	FreePriorityThreshold = 57_600_000

	// MinRelayFeePerKB is the fee floor, in base units per started KB,
	// for transactions below the free priority threshold.
	MinRelayFeePerKB types.Amount = 1000

	// MaxMempoolBytes caps the total serialized size of pooled
	// transactions before fee-rate eviction kicks in.
	MaxMempoolBytes = 64 << 20

	// LowPressureRatio is the mempool utilization below which the relay
	// fee floor is waived.
	LowPressureRatio = 0.1

	// MaxOrphanTxs bounds the orphan transaction pool.
	MaxOrphanTxs = 100

	// OrphanTTL is how long an orphan transaction may wait for its
	// missing parent before eviction.
	OrphanTTL = 20 * time.Minute
)

// Block production constants.
const (
	// ProducerTick is the interval between local lottery evaluations.
	ProducerTick = 2 * time.Second
)

// GenesisSpec pins the hard-coded genesis block of a network.
type GenesisSpec struct {
	Version       uint32
	Time          uint32
	Bits          uint32
	Nonce         uint32
	CoinbaseValue types.Amount
	// CoinbasePubKey is the compressed public key paid by the genesis
	// coinbase (pay-to-pubkey).
	CoinbasePubKey []byte
	// CoinbaseTag is arbitrary data pushed in the genesis coinbase input.
	CoinbaseTag []byte
}

// ChainParams fixes the consensus rules of one network.
type ChainParams struct {
	Name string

	// Magic is the 4-byte network prefix of every wire message.
	Magic uint32

	DefaultPort    int
	DefaultRPCPort int

	// Seeds are host:port addresses of well-known peers.
	Seeds []string

	// ActivationHeight is the height at which the participation rule
	// replaces proof-of-work validation.
	ActivationHeight uint64

	// InitialSubsidy is the block subsidy at height 0.
	InitialSubsidy types.Amount

	// HalvingInterval is the number of blocks between subsidy halvings.
	// The source material is internally inconsistent about this value,
	// so it is a required parameter: zero is rejected, never defaulted.
	HalvingInterval uint64

	// SubsidyFloor clamps the halving schedule from below. Required for
	// the same reason as HalvingInterval.
	SubsidyFloor types.Amount

	// MinStake is the minimum locked amount for lottery eligibility.
	MinStake types.Amount

	// StakeMaturity is the number of confirmations a stake must have
	// before its holder is eligible.
	StakeMaturity uint64

	// VeteranStakeFactor scales StakeMaturity to the stake age at which
	// a participant bypasses the subnet cap.
	VeteranStakeFactor uint64

	Genesis GenesisSpec
}

// Validate checks that all required consensus parameters are set.
func (p *ChainParams) Validate() error {
	if p.Magic == 0 {
		return errors.New("chain params: magic is zero")
	}
	if p.InitialSubsidy <= 0 {
		return errors.New("chain params: initial subsidy must be positive")
	}
	if p.HalvingInterval == 0 {
		return errors.New("chain params: halving interval is required")
	}
	if p.SubsidyFloor <= 0 {
		return errors.New("chain params: subsidy floor is required")
	}
	if p.MinStake <= 0 {
		return errors.New("chain params: min stake must be positive")
	}
	if p.StakeMaturity == 0 {
		return errors.New("chain params: stake maturity is required")
	}
	if len(p.Genesis.CoinbasePubKey) != 33 {
		return fmt.Errorf("chain params: genesis coinbase pubkey must be 33 bytes, got %d",
			len(p.Genesis.CoinbasePubKey))
	}
	return nil
}

// Subsidy returns the block subsidy at the given height:
// the initial subsidy halved once per interval, clamped to the floor.
func (p *ChainParams) Subsidy(height uint64) types.Amount {
	shift := height / p.HalvingInterval
	if shift > 62 {
		return p.SubsidyFloor
	}
	s := p.InitialSubsidy >> shift
	if s < p.SubsidyFloor {
		return p.SubsidyFloor
	}
	return s
}

// MainNet returns the main network parameters.
func MainNet() *ChainParams {
	return &ChainParams{
		Name:           "mainnet",
		Magic:          0xd4b8c2f1,
		DefaultPort:    9333,
		DefaultRPCPort: 9332,
		Seeds: []string{
			"seed1.participation.network:9333",
			"seed2.participation.network:9333",
		},
		ActivationHeight:   120_000,
		InitialSubsidy:     50 * types.Coin,
		HalvingInterval:    210_000,
		SubsidyFloor:       1 * types.Coin,
		MinStake:           1000 * types.Coin,
		StakeMaturity:      720,
		VeteranStakeFactor: 10,
		Genesis: GenesisSpec{
			Version: 1,
			Time:    1_390_000_000,
			Bits:    0x1d00ffff,
			Nonce:   2_083_236_893,
			CoinbaseValue: 50 * types.Coin,
			CoinbasePubKey: mustHex33(
				"02e3af6c4e4ab98a2df11a9a7b0ba6d04cdd0fcf0b72f6a3a2a7b8ae10c1ff3d8b"),
			CoinbaseTag: []byte("participation over work"),
		},
	}
}

// RegNet returns regression-test parameters: immediate activation and a
// short stake maturity so tests can exercise the lottery from genesis.
func RegNet() *ChainParams {
	p := MainNet()
	p.Name = "regnet"
	p.Magic = 0xfabfb5da
	p.DefaultPort = 19444
	p.DefaultRPCPort = 19443
	p.Seeds = nil
	p.ActivationHeight = 1
	p.StakeMaturity = 4
	p.HalvingInterval = 150
	p.Genesis.Time = 1_390_000_001
	p.Genesis.Nonce = 0
	return p
}

// Params returns the chain parameters for the named network.
func Params(network string) (*ChainParams, error) {
	switch network {
	case "", "mainnet":
		return MainNet(), nil
	case "regnet":
		return RegNet(), nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// mustHex33 decodes a hard-coded compressed pubkey; only ever called on
// package constants, so failure is a programming error.
func mustHex33(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 33 {
		panic("config: invalid genesis pubkey hex")
	}
	return b
}
