// Package p2p implements the peer networking protocol: message framing,
// the per-peer state machine, inventory exchange, and block and
// transaction propagation.
package p2p

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/crypto"
)

// Frame layout constants.
const (
	// commandSize is the fixed width of the null-padded command field.
	commandSize = 12

	// frameHeaderSize is magic(4) + command(12) + length(4) + checksum(4).
	frameHeaderSize = 4 + commandSize + 4 + 4
)

// Wire commands.
const (
	CmdVersion    = "version"
	CmdVerack     = "verack"
	CmdAddr       = "addr"
	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdGetBlocks  = "getblocks"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdTx         = "tx"
	CmdBlock      = "block"
	CmdPing       = "ping"
	CmdPong       = "pong"
)

// Framing errors.
var (
	ErrBadMagic     = errors.New("bad network magic")
	ErrBadChecksum  = errors.New("payload checksum mismatch")
	ErrBadCommand   = errors.New("malformed command field")
	ErrPayloadSize  = errors.New("payload exceeds maximum message size")
	ErrUnknownCmd   = errors.New("unknown command")
)

// checksum is the first four bytes of the double-SHA256 of the payload.
func checksum(payload []byte) [4]byte {
	h := crypto.DoubleSha256(payload)
	var out [4]byte
	copy(out[:], h[:4])
	return out
}

// WriteMessage frames and writes one message:
// magic || command (null-padded) || payload size || checksum || payload.
func WriteMessage(w io.Writer, magic uint32, command string, payload []byte) error {
	if len(command) > commandSize {
		return fmt.Errorf("%w: %q", ErrBadCommand, command)
	}
	if len(payload) > codec.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}

	cw := codec.NewWriter(frameHeaderSize + len(payload))
	cw.WriteUint32(magic)
	var cmd [commandSize]byte
	copy(cmd[:], command)
	cw.WriteBytes(cmd[:])
	cw.WriteUint32(uint32(len(payload)))
	sum := checksum(payload)
	cw.WriteBytes(sum[:])
	cw.WriteBytes(payload)

	_, err := w.Write(cw.Bytes())
	return err
}

// ReadMessage reads and verifies one framed message.
func ReadMessage(r io.Reader, magic uint32) (string, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", nil, err
	}

	cr := codec.NewReader(header[:])
	gotMagic, _ := cr.ReadUint32()
	if gotMagic != magic {
		return "", nil, fmt.Errorf("%w: got %08x, want %08x", ErrBadMagic, gotMagic, magic)
	}

	cmdBytes, _ := cr.ReadBytes(commandSize)
	idx := bytes.IndexByte(cmdBytes, 0)
	if idx < 0 {
		idx = commandSize
	}
	command := string(cmdBytes[:idx])
	for _, c := range cmdBytes[idx:] {
		if c != 0 {
			return "", nil, fmt.Errorf("%w: non-null padding", ErrBadCommand)
		}
	}
	for _, c := range command {
		if c < 32 || c > 126 {
			return "", nil, fmt.Errorf("%w: non-ascii byte", ErrBadCommand)
		}
	}

	length, _ := cr.ReadUint32()
	if length > codec.MaxMessageSize {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, length)
	}
	var wantSum [4]byte
	sumBytes, _ := cr.ReadBytes(4)
	copy(wantSum[:], sumBytes)

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}
	if checksum(payload) != wantSum {
		return "", nil, fmt.Errorf("%w: command %q", ErrBadChecksum, command)
	}

	return command, payload, nil
}
