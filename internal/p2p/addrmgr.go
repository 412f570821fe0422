package p2p

import (
	"encoding/binary"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/codec"
)

// Address manager bounds.
const (
	// maxKnownAddresses caps the address pool.
	maxKnownAddresses = 2048

	// staleAddressAge drops addresses not seen for this long.
	staleAddressAge = 7 * 24 * time.Hour
)

// prefixPeerAddr is the store keyspace of persisted addresses.
var prefixPeerAddr = []byte("peer_addr/")

// knownAddress is one pool entry.
type knownAddress struct {
	addr     NetAddress
	lastSeen time.Time
	attempts int
}

// AddrManager keeps a bounded pool of known peer addresses, deduplicated
// by IP and port, and samples them for outbound connection attempts.
// Sampling order is keyed with a per-instance BLAKE3 key so every node
// walks the pool differently.
type AddrManager struct {
	mu      sync.Mutex
	entries map[string]*knownAddress
	db      storage.DB // nil disables persistence
	key     [32]byte
	now     func() time.Time
}

// NewAddrManager creates an address manager over the given store.
func NewAddrManager(db storage.DB, seedKey []byte) *AddrManager {
	am := &AddrManager{
		entries: make(map[string]*knownAddress),
		db:      db,
		now:     time.Now,
	}
	am.key = blake3.Sum256(seedKey)
	am.load()
	return am
}

// Add records a routable address, refreshing last-seen on duplicates.
func (am *AddrManager) Add(addr NetAddress) {
	if !addr.Routable() {
		return
	}
	endpoint := addr.Endpoint()

	am.mu.Lock()
	defer am.mu.Unlock()

	if known, ok := am.entries[endpoint]; ok {
		known.lastSeen = am.now()
		return
	}
	if len(am.entries) >= maxKnownAddresses {
		am.evictLocked()
	}
	am.entries[endpoint] = &knownAddress{addr: addr, lastSeen: am.now()}
}

// AddEndpoint records a host:port string (seed peers).
func (am *AddrManager) AddEndpoint(endpoint string) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname seeds resolve at dial time; hold them verbatim.
		am.mu.Lock()
		if _, ok := am.entries[endpoint]; !ok {
			am.entries[endpoint] = &knownAddress{
				addr:     NetAddress{Port: uint16(port)},
				lastSeen: am.now(),
			}
		}
		am.mu.Unlock()
		return
	}
	am.Add(NetAddress{Time: uint32(am.now().Unix()), IP: ip, Port: uint16(port)})
}

// MarkAttempt records a dial attempt.
func (am *AddrManager) MarkAttempt(endpoint string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if known, ok := am.entries[endpoint]; ok {
		known.attempts++
	}
}

// MarkGood resets the attempt counter and refreshes last-seen after a
// completed handshake.
func (am *AddrManager) MarkGood(endpoint string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if known, ok := am.entries[endpoint]; ok {
		known.attempts = 0
		known.lastSeen = am.now()
	}
}

// Sample returns up to n endpoints to dial, excluding the given set.
// Order is the keyed hash of the endpoint, approximating a uniform draw
// that is stable within one process.
func (am *AddrManager) Sample(n int, exclude map[string]bool) []string {
	am.mu.Lock()
	defer am.mu.Unlock()

	type scored struct {
		endpoint string
		order    uint64
	}
	candidates := make([]scored, 0, len(am.entries))
	for endpoint, known := range am.entries {
		if exclude[endpoint] || known.attempts > 5 {
			continue
		}
		h := blake3.New()
		_, _ = h.Write(am.key[:])
		_, _ = h.Write([]byte(endpoint))
		sum := h.Sum(nil)
		candidates = append(candidates, scored{
			endpoint: endpoint,
			order:    binary.LittleEndian.Uint64(sum[:8]),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].order < candidates[j].order
	})

	out := make([]string, 0, n)
	for _, c := range candidates {
		if len(out) >= n {
			break
		}
		out = append(out, c.endpoint)
	}
	return out
}

// Addresses returns up to n entries with a known IP for addr gossip.
// Hostname seeds are skipped; entries are not filtered by age.
func (am *AddrManager) Addresses(n int) []NetAddress {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make([]NetAddress, 0, n)
	for _, known := range am.entries {
		if known.addr.IP == nil {
			continue
		}
		out = append(out, known.addr)
		if len(out) >= n {
			break
		}
	}
	return out
}

// Count returns the pool size.
func (am *AddrManager) Count() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.entries)
}

// evictLocked removes the stalest entry.
func (am *AddrManager) evictLocked() {
	var victim string
	var oldest time.Time
	for endpoint, known := range am.entries {
		if victim == "" || known.lastSeen.Before(oldest) {
			victim = endpoint
			oldest = known.lastSeen
		}
	}
	if victim != "" {
		delete(am.entries, victim)
		if am.db != nil {
			_ = am.db.Delete(peerAddrKey(victim))
		}
	}
}

// load restores persisted addresses, dropping stale ones.
func (am *AddrManager) load() {
	if am.db == nil {
		return
	}
	cutoff := am.now().Add(-staleAddressAge)
	_ = am.db.ForEach(prefixPeerAddr, func(key, value []byte) error {
		var addr NetAddress
		if err := codec.Deserialize(value, &addr); err != nil {
			return nil // Skip corrupt records.
		}
		if time.Unix(int64(addr.Time), 0).Before(cutoff) {
			_ = am.db.Delete(key)
			return nil
		}
		am.entries[addr.Endpoint()] = &knownAddress{
			addr:     addr,
			lastSeen: time.Unix(int64(addr.Time), 0),
		}
		return nil
	})
	log.P2P.Debug().Int("count", len(am.entries)).Msg("loaded peer addresses")
}

// Flush persists the pool with refreshed timestamps.
func (am *AddrManager) Flush() {
	if am.db == nil {
		return
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	for endpoint, known := range am.entries {
		if known.addr.IP == nil {
			continue
		}
		rec := known.addr
		rec.Time = uint32(known.lastSeen.Unix())
		if err := am.db.Put(peerAddrKey(endpoint), codec.Serialize(&rec)); err != nil {
			log.P2P.Error().Err(err).Msg("persist peer address")
			return
		}
	}
}

func peerAddrKey(endpoint string) []byte {
	return append(append([]byte{}, prefixPeerAddr...), endpoint...)
}
