package lottery

import (
	"fmt"
	"net"
	"sync"
)

// Anti-clustering parameters.
const (
	// MaxNodesPerSubnet caps new-entrant participants per subnet class.
	MaxNodesPerSubnet = 2

	// Escalation thresholds: a /24 holding more peers than the first
	// value is classified /20; above the second, /16.
	escalateTo20 = 3
	escalateTo16 = 10
)

// SubnetTracker observes peer addresses and classifies them into subnet
// groups. Dense subnets are widened so a single operator cannot pack the
// eligible set from one network block.
type SubnetTracker struct {
	mu sync.RWMutex
	// peers counts live peer addresses per /24.
	peers map[string]map[string]struct{}
	// participants maps subnet class keys to participant ids.
	participants map[string]map[string]struct{}
}

// NewSubnetTracker creates an empty tracker.
func NewSubnetTracker() *SubnetTracker {
	return &SubnetTracker{
		peers:        make(map[string]map[string]struct{}),
		participants: make(map[string]map[string]struct{}),
	}
}

// maskKey renders an IP under the given prefix length.
func maskKey(ip net.IP, bits int) string {
	v4 := ip.To4()
	if v4 == nil {
		// IPv6 peers group by /48 regardless of density.
		masked := ip.Mask(net.CIDRMask(48, 128))
		return fmt.Sprintf("%s/48", masked)
	}
	masked := v4.Mask(net.CIDRMask(bits, 32))
	return fmt.Sprintf("%s/%d", masked, bits)
}

// ObservePeer records a live peer address.
func (t *SubnetTracker) ObservePeer(ipStr string) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return
	}
	key := maskKey(ip, 24)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[key] == nil {
		t.peers[key] = make(map[string]struct{})
	}
	t.peers[key][ipStr] = struct{}{}
}

// ForgetPeer drops a departed peer address.
func (t *SubnetTracker) ForgetPeer(ipStr string) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return
	}
	key := maskKey(ip, 24)
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucket := t.peers[key]; bucket != nil {
		delete(bucket, ipStr)
		if len(bucket) == 0 {
			delete(t.peers, key)
		}
	}
}

// Class returns the subnet class key of an address: /24 by default,
// widened to /20 or /16 as the local density grows.
func (t *SubnetTracker) Class(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	t.mu.RLock()
	density := len(t.peers[maskKey(ip, 24)])
	t.mu.RUnlock()

	switch {
	case density > escalateTo16:
		return maskKey(ip, 16)
	case density > escalateTo20:
		return maskKey(ip, 20)
	default:
		return maskKey(ip, 24)
	}
}

// AllowParticipant reports whether a new-entrant participant reached from
// the given address fits under the subnet cap, registering it when it
// does. Participants already registered in the class always pass.
func (t *SubnetTracker) AllowParticipant(ipStr, participantID string) bool {
	class := t.Class(ipStr)
	if class == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.participants[class]
	if bucket == nil {
		bucket = make(map[string]struct{})
		t.participants[class] = bucket
	}
	if _, ok := bucket[participantID]; ok {
		return true
	}
	if len(bucket) >= MaxNodesPerSubnet {
		return false
	}
	bucket[participantID] = struct{}{}
	return true
}
