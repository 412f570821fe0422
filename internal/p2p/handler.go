package p2p

import (
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/internal/chain"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/mempool"
	"github.com/microguy/proof-of-participation/pkg/block"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/tx"
)

// handleMessage dispatches one framed message against the per-peer state
// machine. A returned error disconnects the peer; score-worthy offenses
// are recorded against its address before returning.
func (s *Server) handleMessage(p *Peer, command string, payload []byte) error {
	// Handshake commands are the only ones legal before Ready.
	switch command {
	case CmdVersion:
		var msg MsgVersion
		if err := codec.Deserialize(payload, &msg); err != nil {
			s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad version payload")
			return err
		}
		return p.onVersion(&msg)
	case CmdVerack:
		return p.onVerack()
	}

	if p.State() != StateReady {
		s.bans.RecordOffense(p.ip, PenaltyViolation,
			fmt.Sprintf("%s before handshake", command))
		return fmt.Errorf("command %q in state %s", command, p.State())
	}

	switch command {
	case CmdPing:
		var msg MsgPing
		if err := codec.Deserialize(payload, &msg); err != nil {
			s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad ping payload")
			return err
		}
		p.Send(CmdPong, encode(&msg))
		return nil

	case CmdPong:
		var msg MsgPing
		return codec.Deserialize(payload, &msg)

	case CmdAddr:
		return s.handleAddr(p, payload)

	case CmdInv:
		return s.handleInv(p, payload)

	case CmdGetData:
		return s.handleGetData(p, payload)

	case CmdTx:
		return s.handleTx(p, payload)

	case CmdBlock:
		return s.handleBlock(p, payload)

	case CmdGetBlocks:
		return s.handleGetBlocks(p, payload, false)

	case CmdGetHeaders:
		return s.handleGetBlocks(p, payload, true)

	case CmdHeaders:
		return s.handleHeaders(p, payload)

	default:
		s.bans.RecordOffense(p.ip, PenaltyViolation, "unknown command "+command)
		return fmt.Errorf("%w: %q", ErrUnknownCmd, command)
	}
}

// handleAddr absorbs gossiped addresses into the pool.
func (s *Server) handleAddr(p *Peer, payload []byte) error {
	var msg MsgAddr
	if err := codec.Deserialize(payload, &msg); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad addr payload")
		return err
	}
	for i := range msg.Addrs {
		s.addrs.Add(msg.Addrs[i])
	}
	return nil
}

// handleInv requests announced items we do not have yet.
func (s *Server) handleInv(p *Peer, payload []byte) error {
	var msg MsgInv
	if err := codec.Deserialize(payload, &msg); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad inv payload")
		return err
	}

	var want []InvVect
	for _, item := range msg.Items {
		switch item.Type {
		case InvTx:
			if !s.pool.Have(item.Hash) {
				want = append(want, item)
			}
		case InvBlock:
			if !s.chain.HaveBlock(item.Hash) {
				want = append(want, item)
			}
		default:
			s.bans.RecordOffense(p.ip, PenaltyViolation, "unknown inv type")
			return fmt.Errorf("unknown inventory type %d", item.Type)
		}
	}
	if len(want) > 0 {
		p.Send(CmdGetData, encode(&MsgInv{Items: want}))
	}
	return nil
}

// handleGetData serves requested transactions and blocks.
func (s *Server) handleGetData(p *Peer, payload []byte) error {
	var msg MsgInv
	if err := codec.Deserialize(payload, &msg); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad getdata payload")
		return err
	}
	for _, item := range msg.Items {
		switch item.Type {
		case InvTx:
			if t, ok := s.pool.Get(item.Hash); ok {
				p.Send(CmdTx, t.Serialize())
			}
		case InvBlock:
			if blk, err := s.chain.GetBlock(item.Hash); err == nil {
				p.Send(CmdBlock, blk.Serialize())
			}
		}
	}
	return nil
}

// handleTx admits a relayed transaction and forwards it on success.
func (s *Server) handleTx(p *Peer, payload []byte) error {
	var t tx.Transaction
	if err := codec.Deserialize(payload, &t); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad tx payload")
		return err
	}

	err := s.pool.Accept(&t)
	switch {
	case err == nil:
		s.RelayInv(InvTx, t.Hash(), p)
		return nil
	case errors.Is(err, mempool.ErrAlreadyExists),
		errors.Is(err, mempool.ErrOrphan),
		errors.Is(err, mempool.ErrConflict),
		errors.Is(err, mempool.ErrFeeTooLow):
		// Not the peer's fault; drop silently.
		return nil
	default:
		s.bans.RecordOffense(p.ip, PenaltyInvalidTx, err.Error())
		log.P2P.Debug().Str("peer", p.addr).Err(err).Msg("rejected relayed tx")
		return nil
	}
}

// handleBlock feeds a relayed block into the chain, requesting missing
// ancestry for orphans and penalizing consensus failures.
func (s *Server) handleBlock(p *Peer, payload []byte) error {
	var blk block.Block
	if err := codec.Deserialize(payload, &blk); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad block payload")
		return err
	}
	hash := blk.Hash()

	err := s.chain.AcceptBlock(&blk)
	switch {
	case err == nil:
		s.RelayInv(InvBlock, hash, p)
		return nil
	case errors.Is(err, chain.ErrBlockKnown):
		return nil
	case errors.Is(err, chain.ErrOrphanBlock):
		// Ask the peer for the gap between our chain and the orphan.
		s.requestBlocks(p)
		return nil
	case chain.IsRuleError(err):
		s.bans.RecordOffense(p.ip, PenaltyInvalidBlock, err.Error())
		log.P2P.Warn().
			Str("peer", p.addr).
			Str("hash", hash.String()).
			Err(err).
			Msg("peer relayed invalid block")
		return err
	default:
		// Transient local failure; not the peer's fault.
		log.P2P.Error().Err(err).Msg("block processing failed")
		return nil
	}
}

// handleGetBlocks serves locator-based ancestry as inv (or headers).
func (s *Server) handleGetBlocks(p *Peer, payload []byte, headers bool) error {
	var msg MsgGetBlocks
	if err := codec.Deserialize(payload, &msg); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad getblocks payload")
		return err
	}

	forkHeight := s.chain.FindFork(msg.Locator)
	tip := s.chain.Height()

	if headers {
		var out MsgHeaders
		for h := forkHeight + 1; h <= tip && len(out.Headers) < MaxHeadersPerMsg; h++ {
			hash, err := s.chain.GetBlockHashByHeight(h)
			if err != nil {
				break
			}
			blk, err := s.chain.GetBlock(hash)
			if err != nil {
				break
			}
			out.Headers = append(out.Headers, blk.Header)
			if hash == msg.StopHash {
				break
			}
		}
		p.Send(CmdHeaders, encode(&out))
		return nil
	}

	var out MsgInv
	for h := forkHeight + 1; h <= tip && len(out.Items) < MaxBlocksPerResponse; h++ {
		hash, err := s.chain.GetBlockHashByHeight(h)
		if err != nil {
			break
		}
		out.Items = append(out.Items, InvVect{Type: InvBlock, Hash: hash})
		if hash == msg.StopHash {
			break
		}
	}
	if len(out.Items) > 0 {
		p.Send(CmdInv, encode(&out))
	}
	return nil
}

// handleHeaders requests the bodies of announced headers we are missing.
func (s *Server) handleHeaders(p *Peer, payload []byte) error {
	var msg MsgHeaders
	if err := codec.Deserialize(payload, &msg); err != nil {
		s.bans.RecordOffense(p.ip, PenaltyMalformed, "bad headers payload")
		return err
	}
	var want []InvVect
	for i := range msg.Headers {
		hash := msg.Headers[i].Hash()
		if !s.chain.HaveBlock(hash) {
			want = append(want, InvVect{Type: InvBlock, Hash: hash})
		}
	}
	if len(want) > 0 {
		p.Send(CmdGetData, encode(&MsgInv{Items: want}))
	}
	return nil
}
