package p2p

import (
	"fmt"
	"net"

	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// Inventory vector types.
const (
	InvTx    uint32 = 1
	InvBlock uint32 = 2
)

// Message bounds.
const (
	// MaxAddrPerMsg caps one addr message.
	MaxAddrPerMsg = 1000

	// MaxInvPerMsg caps one inv or getdata message.
	MaxInvPerMsg = 50_000

	// MaxBlocksPerResponse caps the inventory sent for one getblocks.
	MaxBlocksPerResponse = 500

	// MaxHeadersPerMsg caps one headers message.
	MaxHeadersPerMsg = 2000

	// MaxLocatorHashes caps a block locator.
	MaxLocatorHashes = 101
)

// ProtocolVersion is the wire protocol version advertised in the
// handshake.
const ProtocolVersion uint32 = 1

// MsgVersion announces a peer's identity and chain state.
type MsgVersion struct {
	Version     uint32
	Time        int64
	Nonce       uint64
	UserAgent   string
	StartHeight uint64
	ListenPort  uint16
}

// Encode writes the version payload.
func (m *MsgVersion) Encode(w *codec.Writer) {
	w.WriteUint32(m.Version)
	w.WriteInt64(m.Time)
	w.WriteUint64(m.Nonce)
	w.WriteVarBytes([]byte(m.UserAgent))
	w.WriteUint64(m.StartHeight)
	w.WriteUint16(m.ListenPort)
}

// Decode reads the version payload.
func (m *MsgVersion) Decode(r *codec.Reader) error {
	var err error
	if m.Version, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if m.Time, err = r.ReadInt64(); err != nil {
		return fmt.Errorf("version time: %w", err)
	}
	if m.Nonce, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("version nonce: %w", err)
	}
	agent, err := r.ReadVarBytes()
	if err != nil {
		return fmt.Errorf("version user agent: %w", err)
	}
	m.UserAgent = string(agent)
	if m.StartHeight, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("version height: %w", err)
	}
	if m.ListenPort, err = r.ReadUint16(); err != nil {
		return fmt.Errorf("version port: %w", err)
	}
	return nil
}

// NetAddress is one gossiped peer address with its freshness.
type NetAddress struct {
	Time uint32
	IP   net.IP // 16-byte form
	Port uint16
}

// Encode writes the address entry.
func (a *NetAddress) Encode(w *codec.Writer) {
	w.WriteUint32(a.Time)
	var ip [16]byte
	copy(ip[:], a.IP.To16())
	w.WriteBytes(ip[:])
	w.WriteUint16(a.Port)
}

// Decode reads the address entry.
func (a *NetAddress) Decode(r *codec.Reader) error {
	var err error
	if a.Time, err = r.ReadUint32(); err != nil {
		return fmt.Errorf("addr time: %w", err)
	}
	ip := make([]byte, 16)
	if err = r.ReadInto(ip); err != nil {
		return fmt.Errorf("addr ip: %w", err)
	}
	a.IP = net.IP(ip)
	if a.Port, err = r.ReadUint16(); err != nil {
		return fmt.Errorf("addr port: %w", err)
	}
	return nil
}

// Routable reports whether the address is globally reachable.
func (a *NetAddress) Routable() bool {
	return a.IP != nil && !a.IP.IsLoopback() && !a.IP.IsUnspecified() &&
		!a.IP.IsLinkLocalUnicast() && !a.IP.IsMulticast()
}

// Endpoint renders the address as host:port.
func (a *NetAddress) Endpoint() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// MsgAddr gossips known peer addresses.
type MsgAddr struct {
	Addrs []NetAddress
}

// Encode writes the addr payload.
func (m *MsgAddr) Encode(w *codec.Writer) {
	w.WriteCompactSize(uint64(len(m.Addrs)))
	for i := range m.Addrs {
		m.Addrs[i].Encode(w)
	}
}

// Decode reads the addr payload.
func (m *MsgAddr) Decode(r *codec.Reader) error {
	count, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("addr count: %w", err)
	}
	if count > MaxAddrPerMsg {
		return fmt.Errorf("addr count %d exceeds %d", count, MaxAddrPerMsg)
	}
	m.Addrs = make([]NetAddress, count)
	for i := range m.Addrs {
		if err := m.Addrs[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// InvVect announces one transaction or block hash.
type InvVect struct {
	Type uint32
	Hash types.Hash
}

// MsgInv announces inventory; MsgGetData requests it. Both share one
// payload shape.
type MsgInv struct {
	Items []InvVect
}

// Encode writes the inventory payload.
func (m *MsgInv) Encode(w *codec.Writer) {
	w.WriteCompactSize(uint64(len(m.Items)))
	for i := range m.Items {
		w.WriteUint32(m.Items[i].Type)
		w.WriteBytes(m.Items[i].Hash[:])
	}
}

// Decode reads the inventory payload.
func (m *MsgInv) Decode(r *codec.Reader) error {
	count, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("inv count: %w", err)
	}
	if count > MaxInvPerMsg {
		return fmt.Errorf("inv count %d exceeds %d", count, MaxInvPerMsg)
	}
	m.Items = make([]InvVect, count)
	for i := range m.Items {
		if m.Items[i].Type, err = r.ReadUint32(); err != nil {
			return fmt.Errorf("inv type: %w", err)
		}
		if err = r.ReadInto(m.Items[i].Hash[:]); err != nil {
			return fmt.Errorf("inv hash: %w", err)
		}
	}
	return nil
}

// MsgGetBlocks requests block inventory after a locator; MsgGetHeaders
// shares the shape and requests headers instead.
type MsgGetBlocks struct {
	Locator  []types.Hash
	StopHash types.Hash
}

// Encode writes the locator payload.
func (m *MsgGetBlocks) Encode(w *codec.Writer) {
	w.WriteCompactSize(uint64(len(m.Locator)))
	for i := range m.Locator {
		w.WriteBytes(m.Locator[i][:])
	}
	w.WriteBytes(m.StopHash[:])
}

// Decode reads the locator payload.
func (m *MsgGetBlocks) Decode(r *codec.Reader) error {
	count, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("locator count: %w", err)
	}
	if count > MaxLocatorHashes {
		return fmt.Errorf("locator count %d exceeds %d", count, MaxLocatorHashes)
	}
	m.Locator = make([]types.Hash, count)
	for i := range m.Locator {
		if err := r.ReadInto(m.Locator[i][:]); err != nil {
			return fmt.Errorf("locator hash: %w", err)
		}
	}
	if err := r.ReadInto(m.StopHash[:]); err != nil {
		return fmt.Errorf("stop hash: %w", err)
	}
	return nil
}

// MsgHeaders carries block headers in ascending height order.
type MsgHeaders struct {
	Headers []block.Header
}

// Encode writes the headers payload.
func (m *MsgHeaders) Encode(w *codec.Writer) {
	w.WriteCompactSize(uint64(len(m.Headers)))
	for i := range m.Headers {
		m.Headers[i].Encode(w)
	}
}

// Decode reads the headers payload.
func (m *MsgHeaders) Decode(r *codec.Reader) error {
	count, err := r.ReadCompactSize()
	if err != nil {
		return fmt.Errorf("headers count: %w", err)
	}
	if count > MaxHeadersPerMsg {
		return fmt.Errorf("headers count %d exceeds %d", count, MaxHeadersPerMsg)
	}
	m.Headers = make([]block.Header, count)
	for i := range m.Headers {
		if err := m.Headers[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// MsgPing and MsgPong carry a round-trip nonce.
type MsgPing struct {
	Nonce uint64
}

// Encode writes the ping payload.
func (m *MsgPing) Encode(w *codec.Writer) {
	w.WriteUint64(m.Nonce)
}

// Decode reads the ping payload.
func (m *MsgPing) Decode(r *codec.Reader) error {
	var err error
	if m.Nonce, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("ping nonce: %w", err)
	}
	return nil
}
