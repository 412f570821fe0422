package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/microguy/proof-of-participation/internal/mempool"
	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/tx"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// dispatch routes one request to its handler.
func (s *Server) dispatch(req *Request) (interface{}, *Error) {
	switch req.Method {
	case "getbestblockhash":
		return s.chain.BestHash().String(), nil

	case "getblockcount":
		return s.chain.Height(), nil

	case "getblock":
		return s.getBlock(req.Params)

	case "getblockhash":
		return s.getBlockHash(req.Params)

	case "getrawtransaction":
		return s.getRawTransaction(req.Params)

	case "sendrawtransaction":
		return s.sendRawTransaction(req.Params)

	case "getmempoolinfo":
		return MempoolInfoResult{Count: s.pool.Count(), Bytes: s.pool.Bytes()}, nil

	case "getparticipationinfo":
		return s.getParticipationInfo(), nil

	default:
		return nil, rpcErr(CodeNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// oneStringParam extracts a single string positional parameter.
func oneStringParam(raw json.RawMessage) (string, *Error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != 1 {
		return "", rpcErr(CodeInvalidParams, "expected one string parameter")
	}
	return params[0], nil
}

func (s *Server) getBlock(raw json.RawMessage) (interface{}, *Error) {
	hashStr, perr := oneStringParam(raw)
	if perr != nil {
		return nil, perr
	}
	hash, err := types.HexToHash(hashStr)
	if err != nil {
		return nil, rpcErr(CodeInvalidParams, err.Error())
	}

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, rpcErr(CodeNotFound, "block not found")
	}

	result := BlockResult{
		Hash:       hash.String(),
		Version:    blk.Header.Version,
		PrevHash:   blk.Header.PrevHash.String(),
		MerkleRoot: blk.Header.MerkleRoot.String(),
		Time:       blk.Header.Time,
		Bits:       blk.Header.Bits,
		Nonce:      blk.Header.Nonce,
		TxCount:    len(blk.Transactions),
		SizeBytes:  blk.SerializeSize(),
	}
	for _, t := range blk.Transactions {
		result.TxHashes = append(result.TxHashes, t.Hash().String())
	}
	if height, ok := s.chain.BlockHeight(hash); ok {
		result.Height = height
		result.Confirmations = s.chain.Height() - height + 1
	}
	return result, nil
}

func (s *Server) getBlockHash(raw json.RawMessage) (interface{}, *Error) {
	var params []uint64
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != 1 {
		return nil, rpcErr(CodeInvalidParams, "expected one height parameter")
	}
	hash, err := s.chain.GetBlockHashByHeight(params[0])
	if err != nil {
		return nil, rpcErr(CodeNotFound, "no block at height")
	}
	return hash.String(), nil
}

func (s *Server) getRawTransaction(raw json.RawMessage) (interface{}, *Error) {
	hashStr, perr := oneStringParam(raw)
	if perr != nil {
		return nil, perr
	}
	hash, err := types.HexToHash(hashStr)
	if err != nil {
		return nil, rpcErr(CodeInvalidParams, err.Error())
	}

	if t, ok := s.pool.Get(hash); ok {
		return hex.EncodeToString(t.Serialize()), nil
	}
	t, _, err := s.chain.GetTransaction(hash)
	if err != nil {
		return nil, rpcErr(CodeNotFound, "transaction not found")
	}
	return hex.EncodeToString(t.Serialize()), nil
}

func (s *Server) sendRawTransaction(raw json.RawMessage) (interface{}, *Error) {
	hexStr, perr := oneStringParam(raw)
	if perr != nil {
		return nil, perr
	}
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, rpcErr(CodeInvalidParams, "invalid transaction hex")
	}
	var t tx.Transaction
	if err := codec.Deserialize(data, &t); err != nil {
		return nil, rpcErr(CodeInvalidParams, err.Error())
	}

	if err := s.pool.Accept(&t); err != nil {
		switch {
		case errors.Is(err, mempool.ErrAlreadyExists):
			// Resubmission of a known transaction is not an error.
		case errors.Is(err, mempool.ErrOrphan):
			return nil, rpcErr(CodeVerifyFailed, "transaction inputs unknown")
		default:
			return nil, rpcErr(CodeVerifyFailed, err.Error())
		}
	}

	hash := t.Hash()
	if s.relay != nil {
		s.relay(hash)
	}
	return hash.String(), nil
}

func (s *Server) getParticipationInfo() ParticipationInfoResult {
	height := s.chain.Height()
	next := height + 1
	registry := s.lottery.Registry()

	eligible := registry.EligibleCount(next)
	result := ParticipationInfoResult{
		Active:            next >= s.params.ActivationHeight,
		ActivationHeight:  s.params.ActivationHeight,
		Participants:      registry.Count(),
		EligibleNextBlock: eligible,
		TotalStaked:       int64(registry.TotalStaked()),
	}
	// One expected winner per tick across the eligible set; with no
	// eligible participants there is no expectation to report.
	if eligible > 0 {
		result.ExpectedBlockSecs = 2
	}
	return result
}
