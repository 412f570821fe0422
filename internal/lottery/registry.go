// Package lottery implements the participation lottery: the participant
// registry, VRF-based winner selection, and block producer verification.
package lottery

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/internal/utxo"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// prefixParticipant is the store keyspace of participant records.
var prefixParticipant = []byte("participant/")

// ParticipantRecord is the aggregate view of one staked key.
type ParticipantRecord struct {
	Address     types.Address
	StakeAmount types.Amount
	StakeHeight uint64
	PubKey      []byte
}

// Encode writes the persisted participant record.
func (p *ParticipantRecord) Encode(w *codec.Writer) {
	w.WriteBytes(p.Address[:])
	w.WriteInt64(int64(p.StakeAmount))
	w.WriteUint64(p.StakeHeight)
	w.WriteVarBytes(p.PubKey)
}

// Decode reads the persisted participant record.
func (p *ParticipantRecord) Decode(r *codec.Reader) error {
	if err := r.ReadInto(p.Address[:]); err != nil {
		return fmt.Errorf("participant address: %w", err)
	}
	v, err := r.ReadInt64()
	if err != nil {
		return fmt.Errorf("participant stake: %w", err)
	}
	p.StakeAmount = types.Amount(v)
	if p.StakeHeight, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("participant height: %w", err)
	}
	if p.PubKey, err = r.ReadVarBytes(); err != nil {
		return fmt.Errorf("participant pubkey: %w", err)
	}
	return nil
}

// lockInfo is one stake-locking UTXO attributed to a participant.
type lockInfo struct {
	amount types.Amount
	height uint64
}

// participantState tracks a key's individual stake locks.
type participantState struct {
	pubKey []byte
	locks  map[types.OutPoint]lockInfo
	// netAddr is the last peer IP associated with the participant, used
	// by the anti-clustering rule. Empty when unknown.
	netAddr string
}

func (s *participantState) record() ParticipantRecord {
	rec := ParticipantRecord{
		Address: crypto.AddressFromPubKey(s.pubKey),
		PubKey:  s.pubKey,
	}
	for _, l := range s.locks {
		rec.StakeAmount += l.amount
		if l.height > rec.StakeHeight {
			rec.StakeHeight = l.height
		}
	}
	return rec
}

// Registry maps staked public keys to their participation state. It is
// mutated only from within block connect/disconnect, under the chain
// writer lock; reads take the registry's own lock.
type Registry struct {
	mu      sync.RWMutex
	params  *config.ChainParams
	db      storage.DB
	byKey   map[string]*participantState
	subnets *SubnetTracker
}

// NewRegistry creates a registry persisting records to the given store.
func NewRegistry(params *config.ChainParams, db storage.DB, subnets *SubnetTracker) *Registry {
	return &Registry{
		params:  params,
		db:      db,
		byKey:   make(map[string]*participantState),
		subnets: subnets,
	}
}

// Rebuild reloads the registry from the stake index of the UTXO set.
// Called once at startup; the store is authoritative.
func (r *Registry) Rebuild(store *utxo.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey = make(map[string]*participantState)
	err := store.ForEachStake(func(pubKey []byte, u *utxo.UTXO) error {
		s := r.getOrCreateLocked(pubKey)
		s.locks[u.OutPoint] = lockInfo{amount: u.Value, height: u.Height}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stake index: %w", err)
	}
	for _, s := range r.byKey {
		r.persistLocked(s)
	}
	log.Lottery.Info().Int("participants", len(r.byKey)).Msg("rebuilt participant registry")
	return nil
}

// StakeLocked records a stake-locking output entering the main chain.
// Wired as a chain handler.
func (r *Registry) StakeLocked(pubKey []byte, op types.OutPoint, amount types.Amount, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(pubKey)
	s.locks[op] = lockInfo{amount: amount, height: height}
	r.persistLocked(s)
}

// StakeSpent records a stake-locking output leaving the main chain.
// Wired as a chain handler.
func (r *Registry) StakeSpent(pubKey []byte, op types.OutPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(pubKey)
	s, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(s.locks, op)
	if len(s.locks) == 0 {
		delete(r.byKey, key)
		_ = r.db.Delete(participantKey(pubKey))
		return
	}
	r.persistLocked(s)
}

// SetNetAddress associates a participant with the peer address that
// relays its blocks, feeding the anti-clustering rule.
func (r *Registry) SetNetAddress(pubKey []byte, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[string(pubKey)]; ok {
		s.netAddr = ip
	}
}

// Record returns the aggregate participant record for a key.
func (r *Registry) Record(pubKey []byte) (ParticipantRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[string(pubKey)]
	if !ok {
		return ParticipantRecord{}, false
	}
	return s.record(), true
}

// Eligible reports whether a key may win the lottery at the given height:
// enough stake, mature stake, and not barred by the subnet cap.
func (r *Registry) Eligible(pubKey []byte, height uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eligibleLocked(pubKey, height)
}

func (r *Registry) eligibleLocked(pubKey []byte, height uint64) bool {
	s, ok := r.byKey[string(pubKey)]
	if !ok {
		return false
	}
	rec := s.record()
	if rec.StakeAmount < r.params.MinStake {
		return false
	}
	if height < rec.StakeHeight+r.params.StakeMaturity {
		return false
	}
	if r.subnets != nil && s.netAddr != "" && !r.isVeteranLocked(rec, height) {
		if !r.subnets.AllowParticipant(s.netAddr, hex.EncodeToString(pubKey)) {
			return false
		}
	}
	return true
}

// isVeteranLocked reports whether a participant's stake age exempts it
// from the subnet cap.
func (r *Registry) isVeteranLocked(rec ParticipantRecord, height uint64) bool {
	veteranAge := r.params.StakeMaturity * r.params.VeteranStakeFactor
	return height >= rec.StakeHeight+veteranAge
}

// EligibleCount returns the number of participants eligible at a height.
// Calibrates the lottery target.
func (r *Registry) EligibleCount(height uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.byKey {
		if r.eligibleLocked(s.pubKey, height) {
			count++
		}
	}
	return count
}

// TotalStaked sums all locked stake across participants.
func (r *Registry) TotalStaked() types.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total types.Amount
	for _, s := range r.byKey {
		total += s.record().StakeAmount
	}
	return total
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *Registry) getOrCreateLocked(pubKey []byte) *participantState {
	key := string(pubKey)
	s, ok := r.byKey[key]
	if !ok {
		pk := make([]byte, len(pubKey))
		copy(pk, pubKey)
		s = &participantState{pubKey: pk, locks: make(map[types.OutPoint]lockInfo)}
		r.byKey[key] = s
	}
	return s
}

func (r *Registry) persistLocked(s *participantState) {
	rec := s.record()
	if err := r.db.Put(participantKey(s.pubKey), codec.Serialize(&rec)); err != nil {
		log.Lottery.Error().Err(err).Msg("persist participant record")
	}
}

func participantKey(pubKey []byte) []byte {
	return append(append([]byte{}, prefixParticipant...), pubKey...)
}
