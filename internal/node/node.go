package node

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/chain"
	"github.com/microguy/proof-of-participation/internal/keys"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/lottery"
	"github.com/microguy/proof-of-participation/internal/mempool"
	"github.com/microguy/proof-of-participation/internal/p2p"
	"github.com/microguy/proof-of-participation/internal/rpc"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Node is a fully wired participation-chain node.
type Node struct {
	cfg    *config.Config
	params *config.ChainParams
	logger zerolog.Logger

	lock      *LockFile
	db        storage.DB
	utxoStore *utxo.Store
	chain     *chain.Chain
	pool      *mempool.Pool
	registry  *lottery.Registry
	subnets   *lottery.SubnetTracker
	lottery   *lottery.Lottery
	server    *p2p.Server
	rpcServer *rpc.Server

	producerKey *crypto.PrivateKey
	producer    *lottery.Producer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New boots the components in dependency order: store, UTXO set,
// lottery state, chain, mempool, network, RPC. Background tasks start in
// Start.
func New(cfg *config.Config, passphrase string) (*Node, error) {
	params, err := config.Params(cfg.Network)
	if err != nil {
		return nil, err
	}

	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		logFile = cfg.LogsDir() + "/popd.log"
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := log.Node

	if err := os.MkdirAll(cfg.ChainDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// One instance per data directory.
	lock, err := AcquireLock(cfg.LockFile())
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, params: params, logger: logger, lock: lock}
	if err := n.setup(passphrase); err != nil {
		lock.Release()
		if n.db != nil {
			_ = n.db.Close()
		}
		return nil, err
	}
	return n, nil
}

func (n *Node) setup(passphrase string) error {
	cfg, params := n.cfg, n.params

	db, err := storage.NewBadger(cfg.ChainDataDir() + "/db")
	if err != nil {
		return err
	}
	n.db = db
	n.logger.Info().Str("path", cfg.ChainDataDir()).Msg("database opened")

	// Lottery state first: the chain consults it for post-activation
	// blocks from the very first accepted block.
	n.utxoStore = utxo.NewStore(db)
	n.subnets = lottery.NewSubnetTracker()
	n.registry = lottery.NewRegistry(params, db, n.subnets)
	n.lottery = lottery.New(params, n.registry, nil)

	c, err := chain.New(params, db, n.utxoStore, n.lottery)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	n.chain = c

	// The UTXO set is authoritative for stakes; replay it into the
	// registry, then keep the registry current through chain handlers.
	if err := n.registry.Rebuild(n.utxoStore); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	c.SetStakeHandlers(n.registry.StakeLocked, n.registry.StakeSpent)

	n.pool = mempool.New(c)
	c.SetTxHandlers(n.pool.RemoveConfirmed, n.pool.Readmit)

	// Networking over a namespaced slice of the store.
	p2pDB := storage.NewPrefixDB(db, []byte("p2p/"))
	n.server = p2p.NewServer(p2p.Config{
		Magic:      params.Magic,
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		NoListen:   cfg.P2P.NoListen,
		MaxPeers:   cfg.P2P.MaxPeers,
		Seeds:      cfg.P2P.Seeds,
		UserAgent:  "/popd:0.1.0/",
	}, c, n.pool, p2pDB, n.subnets)

	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(addr, params, c, n.pool, n.lottery, func(hash types.Hash) {
			n.server.RelayTx(hash)
		})
	}

	if cfg.Produce.Enabled {
		if err := n.setupProducer(passphrase); err != nil {
			return err
		}
	}
	return nil
}

// setupProducer loads the producer key and wires the generation loop.
func (n *Node) setupProducer(passphrase string) error {
	key, err := keys.LoadProducerKey(n.cfg.Produce.SeedFile, passphrase)
	if err != nil {
		return fmt.Errorf("load producer key: %w", err)
	}
	n.producerKey = key

	payout := crypto.AddressFromPubKey(key.PublicKey())
	if n.cfg.Produce.PayoutAddress != "" {
		payout, err = types.HexToAddress(n.cfg.Produce.PayoutAddress)
		if err != nil {
			return fmt.Errorf("payout address: %w", err)
		}
	}

	n.producer = lottery.NewProducer(
		n.params, n.chain, n.pool, n.lottery, key, payout,
		n.server.PeerCount,
		func(blk *block.Block) error {
			if err := n.chain.AcceptBlock(blk); err != nil {
				return err
			}
			n.server.RelayBlock(blk.Hash())
			return nil
		},
	)
	n.logger.Info().
		Str("payout", payout.String()).
		Msg("block production enabled")
	return nil
}

// Start launches the background tasks.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.server.Start(n.ctx); err != nil {
		return err
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return err
		}
	}
	if n.producer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.producer.Run(n.ctx)
		}()
	}

	snap := n.chain.BestSnapshot()
	n.logger.Info().
		Uint64("height", snap.Height).
		Str("tip", snap.Hash.String()).
		Str("network", n.params.Name).
		Msg("node started")
	return nil
}

// Stop drains the node: new peers stop being accepted, listeners close,
// tasks get a grace period, and the store is flushed.
func (n *Node) Stop() {
	n.logger.Info().Msg("shutting down")

	if n.cancel != nil {
		n.cancel()
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.server != nil {
		n.server.Stop()
	}
	n.wg.Wait()

	if n.producerKey != nil {
		n.producerKey.Zero()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Error().Err(err).Msg("close database")
		}
	}
	n.lock.Release()
	n.logger.Info().Msg("shutdown complete")
}

// Chain exposes the chain for tests and tooling.
func (n *Node) Chain() *chain.Chain {
	return n.chain
}

// Pool exposes the mempool for tests and tooling.
func (n *Node) Pool() *mempool.Pool {
	return n.pool
}
