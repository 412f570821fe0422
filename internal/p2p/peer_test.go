package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// stubChain is a minimal ChainSource for peer tests.
type stubChain struct {
	height uint64
}

func (s *stubChain) Height() uint64                                { return s.height }
func (s *stubChain) BestHash() types.Hash                          { return types.Hash{0x01} }
func (s *stubChain) HaveBlock(types.Hash) bool                     { return true }
func (s *stubChain) GetBlock(types.Hash) (*block.Block, error)     { return nil, ErrUnknownCmd }
func (s *stubChain) GetBlockHashByHeight(uint64) (types.Hash, error) {
	return types.Hash{}, ErrUnknownCmd
}
func (s *stubChain) AcceptBlock(*block.Block) error    { return nil }
func (s *stubChain) LocatorHashes() []types.Hash       { return []types.Hash{{0x01}} }
func (s *stubChain) FindFork([]types.Hash) uint64      { return 0 }

// stubPool is a minimal TxSource for peer tests.
type stubPool struct{}

func (s *stubPool) Accept(*tx.Transaction) error            { return nil }
func (s *stubPool) Have(types.Hash) bool                    { return true }
func (s *stubPool) Get(types.Hash) (*tx.Transaction, bool)  { return nil, false }

func testServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(Config{
		Magic:     testMagic,
		MaxPeers:  8,
		NoListen:  true,
		UserAgent: "/popd-test/",
	}, &stubChain{}, &stubPool{}, nil, nil)
}

// remote drives the far end of a pipe as a scripted peer.
type remote struct {
	conn net.Conn
	t    *testing.T
}

func (r *remote) send(command string, payload []byte) {
	r.t.Helper()
	_ = r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := WriteMessage(r.conn, testMagic, command, payload); err != nil {
		r.t.Fatalf("remote write %s: %v", command, err)
	}
}

func (r *remote) recv() (string, []byte) {
	r.t.Helper()
	_ = r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	command, payload, err := ReadMessage(r.conn, testMagic)
	if err != nil {
		r.t.Fatalf("remote read: %v", err)
	}
	return command, payload
}

func waitForState(t *testing.T, p *Peer, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer state = %s, want %s", p.State(), want)
}

func TestHandshakeInbound(t *testing.T) {
	s := testServer(t)
	local, far := net.Pipe()
	defer far.Close()

	s.addPeer(local, true)
	s.mu.Lock()
	var p *Peer
	for _, peer := range s.peers {
		p = peer
	}
	s.mu.Unlock()
	if p == nil {
		t.Fatal("peer not registered")
	}

	r := &remote{conn: far, t: t}

	// The remote opens with version; the inbound side answers with its
	// own version and a verack.
	r.send(CmdVersion, encode(&MsgVersion{
		Version:     ProtocolVersion,
		Time:        time.Now().Unix(),
		Nonce:       12345,
		UserAgent:   "/remote/",
		StartHeight: 0,
	}))

	sawVersion, sawVerack := false, false
	for i := 0; i < 2; i++ {
		command, payload := r.recv()
		switch command {
		case CmdVersion:
			sawVersion = true
			var msg MsgVersion
			if err := codec.Deserialize(payload, &msg); err != nil {
				t.Fatalf("decode version: %v", err)
			}
			if msg.UserAgent != "/popd-test/" {
				t.Errorf("user agent = %q", msg.UserAgent)
			}
		case CmdVerack:
			sawVerack = true
		default:
			t.Fatalf("unexpected command %q", command)
		}
	}
	if !sawVersion || !sawVerack {
		t.Fatal("missing version or verack from inbound peer")
	}

	// Completing with our verack promotes the peer to Ready.
	r.send(CmdVerack, nil)
	waitForState(t, p, StateReady)
}

func TestCommandBeforeHandshakeDisconnects(t *testing.T) {
	s := testServer(t)
	local, far := net.Pipe()
	defer far.Close()

	s.addPeer(local, true)
	s.mu.Lock()
	var p *Peer
	for _, peer := range s.peers {
		p = peer
	}
	s.mu.Unlock()

	r := &remote{conn: far, t: t}
	r.send(CmdInv, encode(&MsgInv{Items: []InvVect{{Type: InvTx, Hash: types.Hash{1}}}}))

	waitForState(t, p, StateDisconnected)
}

func TestSelfConnectionRejected(t *testing.T) {
	s := testServer(t)
	local, far := net.Pipe()
	defer far.Close()

	s.addPeer(local, true)
	s.mu.Lock()
	var p *Peer
	for _, peer := range s.peers {
		p = peer
	}
	s.mu.Unlock()

	r := &remote{conn: far, t: t}
	// Echoing the server's own nonce marks a self connection.
	r.send(CmdVersion, encode(&MsgVersion{
		Version: ProtocolVersion,
		Nonce:   s.nonce,
	}))
	waitForState(t, p, StateDisconnected)
}

func TestBanManagerThreshold(t *testing.T) {
	bm := NewBanManager(nil)
	ip := "203.0.113.5"

	bm.RecordOffense(ip, PenaltyInvalidTx, "bad tx")
	if bm.IsBanned(ip) {
		t.Error("banned below threshold")
	}
	for i := 0; i < 5; i++ {
		bm.RecordOffense(ip, PenaltyInvalidTx, "bad tx")
	}
	if !bm.IsBanned(ip) {
		t.Error("not banned past threshold")
	}

	// Consensus offenses ban instantly.
	other := "203.0.113.6"
	bm.RecordOffense(other, PenaltyInvalidBlock, "bad block")
	if !bm.IsBanned(other) {
		t.Error("invalid block did not ban instantly")
	}
}

func TestBanExpiry(t *testing.T) {
	bm := NewBanManager(nil)
	now := time.Now()
	bm.now = func() time.Time { return now }

	ip := "203.0.113.7"
	bm.RecordOffense(ip, PenaltyViolation, "violation")
	if !bm.IsBanned(ip) {
		t.Fatal("not banned")
	}

	now = now.Add(BanDuration + time.Minute)
	if bm.IsBanned(ip) {
		t.Error("ban did not expire")
	}
}

func TestAddrManager(t *testing.T) {
	am := NewAddrManager(nil, []byte("seed"))

	am.Add(NetAddress{Time: 1, IP: net.ParseIP("198.51.100.1"), Port: 9333})
	am.Add(NetAddress{Time: 2, IP: net.ParseIP("198.51.100.1"), Port: 9333}) // Duplicate.
	am.Add(NetAddress{Time: 3, IP: net.ParseIP("127.0.0.1"), Port: 9333})    // Unroutable.
	am.Add(NetAddress{Time: 4, IP: net.ParseIP("198.51.100.2"), Port: 9333})

	if got := am.Count(); got != 2 {
		t.Errorf("count = %d, want 2 (dedup, no loopback)", got)
	}

	sample := am.Sample(10, nil)
	if len(sample) != 2 {
		t.Errorf("sample size = %d, want 2", len(sample))
	}

	exclude := map[string]bool{sample[0]: true}
	rest := am.Sample(10, exclude)
	if len(rest) != 1 || rest[0] == sample[0] {
		t.Errorf("exclusion failed: %v", rest)
	}
}

func TestAddrManagerSeedEndpoints(t *testing.T) {
	am := NewAddrManager(nil, []byte("seed"))
	am.AddEndpoint("seed.example.com:9333")
	am.AddEndpoint("198.51.100.9:9333")
	if got := am.Count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}
