package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/microguy/proof-of-participation/internal/log"
)

// Peer timing and queue constants.
const (
	// IdleTimeout disconnects a peer after this much silence.
	IdleTimeout = 90 * time.Second

	// pingInterval keeps the link alive well inside the idle timeout.
	pingInterval = 30 * time.Second

	// sendQueueSize bounds the per-peer outbound queue; a full queue
	// marks the peer too slow and disconnects it.
	sendQueueSize = 128

	// handshakeTimeout bounds the version/verack exchange.
	handshakeTimeout = 15 * time.Second
)

// State is the per-peer protocol state.
type State int32

// Peer states, in handshake order.
const (
	StateConnected State = iota
	StateVersionSent
	StateVersionReceived
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateVersionSent:
		return "version-sent"
	case StateVersionReceived:
		return "version-received"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// ErrSendQueueFull marks a peer that cannot keep up with the outbound
// stream.
var ErrSendQueueFull = errors.New("peer send queue full")

type queuedMsg struct {
	command string
	payload []byte
}

// Peer is one remote node connection: a receive task, a send task, and
// the handshake state machine between them.
type Peer struct {
	conn    net.Conn
	addr    string
	ip      string
	inbound bool
	server  *Server

	mu              sync.Mutex
	state           State
	versionReceived bool
	verackReceived  bool
	startHeight     uint64
	userAgent       string

	sendQueue chan queuedMsg
	quit      chan struct{}
	quitOnce  sync.Once
	wg        sync.WaitGroup

	connectedAt time.Time
}

func newPeer(conn net.Conn, inbound bool, server *Server) *Peer {
	addr := conn.RemoteAddr().String()
	ip, _, _ := net.SplitHostPort(addr)
	return &Peer{
		conn:        conn,
		addr:        addr,
		ip:          ip,
		inbound:     inbound,
		server:      server,
		state:       StateConnected,
		sendQueue:   make(chan queuedMsg, sendQueueSize),
		quit:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Addr returns the remote host:port.
func (p *Peer) Addr() string {
	return p.addr
}

// IP returns the remote host.
func (p *Peer) IP() string {
	return p.ip
}

// State returns the current handshake state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartHeight returns the chain height the peer announced.
func (p *Peer) StartHeight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startHeight
}

// start launches the send and receive tasks and opens the handshake on
// outbound connections.
func (p *Peer) start() {
	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()

	if !p.inbound {
		p.sendVersion()
	}
}

// Disconnect tears the connection down; both tasks exit.
func (p *Peer) Disconnect() {
	p.quitOnce.Do(func() {
		p.mu.Lock()
		p.state = StateDisconnected
		p.mu.Unlock()
		close(p.quit)
		_ = p.conn.Close()
	})
}

// wait blocks until both tasks have exited.
func (p *Peer) wait() {
	p.wg.Wait()
}

// Send queues a framed message. A full queue disconnects the peer: the
// bounded channel is the backpressure contract.
func (p *Peer) Send(command string, payload []byte) {
	select {
	case p.sendQueue <- queuedMsg{command: command, payload: payload}:
	case <-p.quit:
	default:
		log.P2P.Warn().Str("peer", p.addr).Msg("send queue full, dropping slow peer")
		p.Disconnect()
	}
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	defer p.server.removePeer(p)

	for {
		deadline := IdleTimeout
		if p.State() != StateReady {
			deadline = handshakeTimeout
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(deadline))

		command, payload, err := ReadMessage(p.conn, p.server.magic)
		if err != nil {
			select {
			case <-p.quit:
			default:
				log.P2P.Debug().Str("peer", p.addr).Err(err).Msg("read failed")
				if isProtocolError(err) {
					p.server.bans.RecordOffense(p.ip, PenaltyMalformed, err.Error())
				}
			}
			p.Disconnect()
			return
		}

		if err := p.server.handleMessage(p, command, payload); err != nil {
			log.P2P.Debug().
				Str("peer", p.addr).
				Str("command", command).
				Err(err).
				Msg("message rejected")
			p.Disconnect()
			return
		}
	}
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-pingTicker.C:
			if p.State() == StateReady {
				p.Send(CmdPing, encodePing(p.server.nonce))
			}
		case msg := <-p.sendQueue:
			_ = p.conn.SetWriteDeadline(time.Now().Add(IdleTimeout))
			if err := WriteMessage(p.conn, p.server.magic, msg.command, msg.payload); err != nil {
				log.P2P.Debug().Str("peer", p.addr).Err(err).Msg("write failed")
				p.Disconnect()
				return
			}
		}
	}
}

// sendVersion advances the handshake from our side.
func (p *Peer) sendVersion() {
	p.mu.Lock()
	if p.state == StateConnected {
		p.state = StateVersionSent
	}
	p.mu.Unlock()
	p.Send(CmdVersion, p.server.buildVersion())
}

// onVersion records the peer's announcement and replies with verack.
func (p *Peer) onVersion(msg *MsgVersion) error {
	p.mu.Lock()
	if p.versionReceived {
		p.mu.Unlock()
		return fmt.Errorf("duplicate version message")
	}
	p.versionReceived = true
	p.startHeight = msg.StartHeight
	p.userAgent = msg.UserAgent
	p.mu.Unlock()

	if msg.Nonce == p.server.nonce {
		return fmt.Errorf("connected to self")
	}

	// Inbound peers learn our version only after sending theirs.
	if p.inbound {
		p.sendVersion()
	}
	p.Send(CmdVerack, nil)
	p.maybeReady()
	return nil
}

// onVerack records the acknowledgement.
func (p *Peer) onVerack() error {
	p.mu.Lock()
	if p.verackReceived {
		p.mu.Unlock()
		return fmt.Errorf("duplicate verack message")
	}
	p.verackReceived = true
	p.mu.Unlock()
	p.maybeReady()
	return nil
}

// maybeReady promotes the peer once version and verack both arrived, in
// either order.
func (p *Peer) maybeReady() {
	p.mu.Lock()
	ready := p.versionReceived && p.verackReceived && p.state != StateReady &&
		p.state != StateDisconnected
	if ready {
		p.state = StateReady
	}
	height := p.startHeight
	p.mu.Unlock()

	if ready {
		log.P2P.Info().
			Str("peer", p.addr).
			Bool("inbound", p.inbound).
			Uint64("height", height).
			Msg("peer ready")
		p.server.onPeerReady(p)
	}
}

// isProtocolError reports whether a read failure is a framing violation
// rather than a plain connection problem.
func isProtocolError(err error) bool {
	return errors.Is(err, ErrBadMagic) || errors.Is(err, ErrBadChecksum) ||
		errors.Is(err, ErrBadCommand) || errors.Is(err, ErrPayloadSize)
}

func encodePing(nonce uint64) []byte {
	m := MsgPing{Nonce: nonce}
	return encode(&m)
}
