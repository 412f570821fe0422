package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// targetOutbound is how many outbound connections the server maintains.
const targetOutbound = 8

// addrFlushInterval is how often the address pool is persisted.
const addrFlushInterval = 5 * time.Minute

// ChainSource is the chain access the network layer needs.
type ChainSource interface {
	Height() uint64
	BestHash() types.Hash
	HaveBlock(hash types.Hash) bool
	GetBlock(hash types.Hash) (*block.Block, error)
	GetBlockHashByHeight(height uint64) (types.Hash, error)
	AcceptBlock(blk *block.Block) error
	LocatorHashes() []types.Hash
	FindFork(locator []types.Hash) uint64
}

// TxSource is the mempool access the network layer needs.
type TxSource interface {
	Accept(t *tx.Transaction) error
	Have(hash types.Hash) bool
	Get(hash types.Hash) (*tx.Transaction, bool)
}

// Config holds the network parameters of the server.
type Config struct {
	Magic      uint32
	ListenAddr string
	Port       int
	NoListen   bool
	MaxPeers   int
	Seeds      []string
	UserAgent  string
}

// PeerObserver is notified as peers come and go; feeds the
// anti-clustering tracker.
type PeerObserver interface {
	ObservePeer(ip string)
	ForgetPeer(ip string)
}

// Server owns the listener, the outbound connector, and every live peer.
type Server struct {
	cfg   Config
	magic uint32
	nonce uint64

	chain    ChainSource
	pool     TxSource
	addrs    *AddrManager
	bans     *BanManager
	observer PeerObserver // may be nil

	mu       sync.Mutex
	peers    map[string]*Peer
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the networking layer. db backs address and ban
// persistence and may be nil.
func NewServer(cfg Config, chain ChainSource, pool TxSource, db storage.DB, observer PeerObserver) *Server {
	var nonceBytes [8]byte
	_, _ = rand.Read(nonceBytes[:])
	nonce := binary.LittleEndian.Uint64(nonceBytes[:])

	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}

	s := &Server{
		cfg:      cfg,
		magic:    cfg.Magic,
		nonce:    nonce,
		chain:    chain,
		pool:     pool,
		addrs:    NewAddrManager(db, nonceBytes[:]),
		bans:     NewBanManager(db),
		observer: observer,
		peers:    make(map[string]*Peer),
	}
	for _, seed := range cfg.Seeds {
		s.addrs.AddEndpoint(seed)
	}
	return s
}

// Addrs exposes the address manager.
func (s *Server) Addrs() *AddrManager {
	return s.addrs
}

// Bans exposes the ban manager.
func (s *Server) Bans() *BanManager {
	return s.bans
}

// Start opens the listener and launches the connector.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.cfg.NoListen {
		addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		s.listener = ln
		s.wg.Add(1)
		go s.acceptLoop()
		log.P2P.Info().Str("addr", addr).Msg("listening for peers")
	}

	s.wg.Add(2)
	go s.connectLoop()
	go s.addrFlushLoop()
	return nil
}

// Stop closes the listener, disconnects every peer, and waits for all
// tasks to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.Disconnect()
		p.wait()
	}

	s.addrs.Flush()
	s.wg.Wait()
	log.P2P.Info().Msg("network stopped")
}

// PeerCount returns the number of live connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// acceptLoop admits inbound connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.P2P.Debug().Err(err).Msg("accept failed")
				continue
			}
		}
		s.addPeer(conn, true)
	}
}

// connectLoop keeps outbound connections topped up from the address pool.
func (s *Server) connectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		s.dialMissing()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) addrFlushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(addrFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.addrs.Flush()
		}
	}
}

// dialMissing opens connections until the outbound target is met.
func (s *Server) dialMissing() {
	s.mu.Lock()
	outbound := 0
	connected := make(map[string]bool, len(s.peers))
	for _, p := range s.peers {
		connected[p.addr] = true
		if !p.inbound {
			outbound++
		}
	}
	s.mu.Unlock()

	want := targetOutbound - outbound
	if want <= 0 {
		return
	}
	for _, endpoint := range s.addrs.Sample(want, connected) {
		endpoint := endpoint
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dial(endpoint)
		}()
	}
}

// dial opens one outbound connection.
func (s *Server) dial(endpoint string) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil || s.bans.IsBanned(host) {
		return
	}
	s.addrs.MarkAttempt(endpoint)

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(s.ctx, "tcp", endpoint)
	if err != nil {
		log.P2P.Debug().Str("peer", endpoint).Err(err).Msg("dial failed")
		return
	}
	s.addPeer(conn, false)
}

// addPeer registers and starts a connection, enforcing bans and the
// connection cap.
func (s *Server) addPeer(conn net.Conn, inbound bool) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if s.bans.IsBanned(host) {
		log.P2P.Debug().Str("ip", host).Msg("rejecting banned peer")
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if len(s.peers) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	p := newPeer(conn, inbound, s)
	s.peers[p.addr] = p
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObservePeer(p.ip)
	}
	p.start()
}

// removePeer drops a finished connection from the registry.
func (s *Server) removePeer(p *Peer) {
	p.Disconnect()
	s.mu.Lock()
	if s.peers[p.addr] == p {
		delete(s.peers, p.addr)
	}
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.ForgetPeer(p.ip)
	}
}

// onPeerReady starts address gossip and chain sync against a new peer.
func (s *Server) onPeerReady(p *Peer) {
	s.addrs.MarkGood(p.addr)

	// Share a slice of our address pool.
	if addrs := s.addrs.Addresses(MaxAddrPerMsg / 4); len(addrs) > 0 {
		p.Send(CmdAddr, encode(&MsgAddr{Addrs: addrs}))
	}

	// Sync: ask for the peer's chain beyond ours.
	if p.StartHeight() > s.chain.Height() {
		s.requestBlocks(p)
	}
}

// requestBlocks sends a locator-based getblocks to the peer.
func (s *Server) requestBlocks(p *Peer) {
	msg := MsgGetBlocks{Locator: s.chain.LocatorHashes()}
	p.Send(CmdGetBlocks, encode(&msg))
}

// RelayInv announces an inventory item to every ready peer except the
// origin.
func (s *Server) RelayInv(invType uint32, hash types.Hash, except *Peer) {
	payload := encode(&MsgInv{Items: []InvVect{{Type: invType, Hash: hash}}})
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		if p == except || p.State() != StateReady {
			continue
		}
		p.Send(CmdInv, payload)
	}
}

// RelayBlock announces a locally produced or newly connected block.
func (s *Server) RelayBlock(hash types.Hash) {
	s.RelayInv(InvBlock, hash, nil)
}

// RelayTx announces an accepted transaction.
func (s *Server) RelayTx(hash types.Hash) {
	s.RelayInv(InvTx, hash, nil)
}

// buildVersion assembles our version payload.
func (s *Server) buildVersion() []byte {
	msg := MsgVersion{
		Version:     ProtocolVersion,
		Time:        time.Now().Unix(),
		Nonce:       s.nonce,
		UserAgent:   s.cfg.UserAgent,
		StartHeight: s.chain.Height(),
		ListenPort:  uint16(s.cfg.Port),
	}
	return encode(&msg)
}

// encode serializes a message payload.
func encode(e codec.Encodable) []byte {
	return codec.Serialize(e)
}
