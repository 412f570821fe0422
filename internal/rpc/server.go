package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/chain"
	"github.com/microguy/proof-of-participation/internal/log"
	"github.com/microguy/proof-of-participation/internal/lottery"
	"github.com/microguy/proof-of-participation/internal/mempool"
	"github.com/microguy/proof-of-participation/pkg/types"
)

// maxBodySize caps an RPC request body (1 MB).
const maxBodySize = 1 << 20

// Server exposes the node's read and submit verbs over JSON-RPC 2.0.
type Server struct {
	params  *config.ChainParams
	chain   *chain.Chain
	pool    *mempool.Pool
	lottery *lottery.Lottery
	relay   func(hash types.Hash) // nil disables relay

	server *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// New creates an RPC server over the given components.
func New(addr string, params *config.ChainParams, c *chain.Chain, pool *mempool.Pool, l *lottery.Lottery, relay func(types.Hash)) *Server {
	s := &Server{
		params:  params,
		chain:   c,
		pool:    pool,
		lottery: l,
		relay:   relay,
		logger:  log.RPC,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", s.server.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("rpc server failed")
		}
	}()
	s.logger.Info().Str("addr", s.server.Addr).Msg("rpc server listening")
	return nil
}

// Stop drains the server with a grace period.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr(CodeInvalidParams, "parse error"),
		})
		return
	}

	result, rpcError := s.dispatch(&req)
	writeResponse(w, Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcError,
	})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
