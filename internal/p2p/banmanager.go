package p2p

import (
	"sync"
	"time"

	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/storage"
	"github.com/microguy/proof-of-participation/pkg/codec"
)

// Ban thresholds and durations.
const (
	// BanThreshold is the offense score at which a peer gets banned.
	BanThreshold = 100

	// BanDuration is how long a ban lasts.
	BanDuration = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyInvalidBlock = 100 // Consensus failure: instant ban.
	PenaltyInvalidTx    = 20
	PenaltyMalformed    = 50 // Framing or payload decode failure.
	PenaltyViolation    = 100 // Protocol state machine violation.
)

// prefixBan is the store keyspace of ban records.
var prefixBan = []byte("ban/")

// banRecord is one persisted ban.
type banRecord struct {
	IP        string
	Reason    string
	ExpiresAt int64
}

func (b *banRecord) Encode(w *codec.Writer) {
	w.WriteVarBytes([]byte(b.IP))
	w.WriteVarBytes([]byte(b.Reason))
	w.WriteInt64(b.ExpiresAt)
}

func (b *banRecord) Decode(r *codec.Reader) error {
	ip, err := r.ReadVarBytes()
	if err != nil {
		return err
	}
	b.IP = string(ip)
	reason, err := r.ReadVarBytes()
	if err != nil {
		return err
	}
	b.Reason = string(reason)
	b.ExpiresAt, err = r.ReadInt64()
	return err
}

func (b *banRecord) expired(now time.Time) bool {
	return now.Unix() >= b.ExpiresAt
}

// BanManager tracks peer offense scores by IP and manages timed bans.
type BanManager struct {
	mu     sync.Mutex
	scores map[string]int
	bans   map[string]*banRecord
	db     storage.DB // nil disables persistence
	now    func() time.Time
}

// NewBanManager creates a ban manager. db may be nil for tests.
func NewBanManager(db storage.DB) *BanManager {
	bm := &BanManager{
		scores: make(map[string]int),
		bans:   make(map[string]*banRecord),
		db:     db,
		now:    time.Now,
	}
	bm.load()
	return bm
}

// load restores unexpired persisted bans.
func (bm *BanManager) load() {
	if bm.db == nil {
		return
	}
	now := bm.now()
	_ = bm.db.ForEach(prefixBan, func(key, value []byte) error {
		var rec banRecord
		if err := codec.Deserialize(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		if rec.expired(now) {
			_ = bm.db.Delete(key)
			return nil
		}
		bm.bans[rec.IP] = &rec
		return nil
	})
}

// RecordOffense adds a penalty to a peer's score; crossing the threshold
// bans the address for BanDuration.
func (bm *BanManager) RecordOffense(ip string, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if rec, ok := bm.bans[ip]; ok && !rec.expired(bm.now()) {
		return
	}

	bm.scores[ip] += penalty
	if bm.scores[ip] < BanThreshold {
		return
	}

	rec := &banRecord{
		IP:        ip,
		Reason:    reason,
		ExpiresAt: bm.now().Add(BanDuration).Unix(),
	}
	bm.bans[ip] = rec
	delete(bm.scores, ip)

	if bm.db != nil {
		if err := bm.db.Put(banKey(ip), codec.Serialize(rec)); err != nil {
			log.P2P.Error().Err(err).Msg("persist ban record")
		}
	}
	log.P2P.Warn().
		Str("ip", ip).
		Str("reason", reason).
		Msg("peer banned")
}

// IsBanned reports whether the address is currently banned.
func (bm *BanManager) IsBanned(ip string) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	rec, ok := bm.bans[ip]
	if !ok {
		return false
	}
	if rec.expired(bm.now()) {
		delete(bm.bans, ip)
		if bm.db != nil {
			_ = bm.db.Delete(banKey(ip))
		}
		return false
	}
	return true
}

func banKey(ip string) []byte {
	return append(append([]byte{}, prefixBan...), ip...)
}
