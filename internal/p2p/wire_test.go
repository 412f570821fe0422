package p2p

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/microguy/proof-of-participation/pkg/codec"
	"github.com/microguy/proof-of-participation/pkg/types"
)

const testMagic uint32 = 0xfabfb5da

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteMessage(&buf, testMagic, CmdTx, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	command, got, err := ReadMessage(&buf, testMagic)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if command != CmdTx {
		t.Errorf("command = %q, want %q", command, CmdTx)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, testMagic, CmdVerack, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	command, payload, err := ReadMessage(&buf, testMagic)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if command != CmdVerack || len(payload) != 0 {
		t.Errorf("got %q with %d bytes", command, len(payload))
	}
}

func TestFrameBadMagic(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, testMagic, CmdPing, []byte{1})
	if _, _, err := ReadMessage(&buf, testMagic+1); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestFrameBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, testMagic, CmdPing, []byte{1, 2, 3, 4})
	frame := buf.Bytes()
	frame[len(frame)-1] ^= 0xFF // Corrupt the payload.
	if _, _, err := ReadMessage(bytes.NewReader(frame), testMagic); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("err = %v, want ErrBadChecksum", err)
	}
}

func TestFrameBadCommandPadding(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, testMagic, CmdPing, nil)
	frame := buf.Bytes()
	frame[4+len(CmdPing)+1] = 'x' // Non-null byte after the terminator.
	if _, _, err := ReadMessage(bytes.NewReader(frame), testMagic); !errors.Is(err, ErrBadCommand) {
		t.Errorf("err = %v, want ErrBadCommand", err)
	}
}

func TestMessagePayloadRoundTrips(t *testing.T) {
	version := &MsgVersion{
		Version:     ProtocolVersion,
		Time:        1_700_000_000,
		Nonce:       0xDEADBEEF,
		UserAgent:   "/popd:0.1.0/",
		StartHeight: 1234,
		ListenPort:  9333,
	}
	var decodedVersion MsgVersion
	if err := codec.Deserialize(codec.Serialize(version), &decodedVersion); err != nil {
		t.Fatalf("version round trip: %v", err)
	}
	if decodedVersion != *version {
		t.Errorf("version mismatch: %+v", decodedVersion)
	}

	addr := &MsgAddr{Addrs: []NetAddress{
		{Time: 100, IP: net.ParseIP("198.51.100.1").To16(), Port: 9333},
		{Time: 200, IP: net.ParseIP("2001:db8::1").To16(), Port: 19444},
	}}
	var decodedAddr MsgAddr
	if err := codec.Deserialize(codec.Serialize(addr), &decodedAddr); err != nil {
		t.Fatalf("addr round trip: %v", err)
	}
	if len(decodedAddr.Addrs) != 2 || decodedAddr.Addrs[0].Port != 9333 {
		t.Errorf("addr mismatch: %+v", decodedAddr)
	}

	inv := &MsgInv{Items: []InvVect{
		{Type: InvTx, Hash: types.Hash{0x01}},
		{Type: InvBlock, Hash: types.Hash{0x02}},
	}}
	var decodedInv MsgInv
	if err := codec.Deserialize(codec.Serialize(inv), &decodedInv); err != nil {
		t.Fatalf("inv round trip: %v", err)
	}
	if len(decodedInv.Items) != 2 || decodedInv.Items[1].Type != InvBlock {
		t.Errorf("inv mismatch: %+v", decodedInv)
	}

	gb := &MsgGetBlocks{
		Locator:  []types.Hash{{0x01}, {0x02}},
		StopHash: types.Hash{0x03},
	}
	var decodedGB MsgGetBlocks
	if err := codec.Deserialize(codec.Serialize(gb), &decodedGB); err != nil {
		t.Fatalf("getblocks round trip: %v", err)
	}
	if len(decodedGB.Locator) != 2 || decodedGB.StopHash != gb.StopHash {
		t.Errorf("getblocks mismatch: %+v", decodedGB)
	}
}

func TestInvCountLimit(t *testing.T) {
	w := codec.NewWriter(16)
	w.WriteCompactSize(MaxInvPerMsg + 1)
	var msg MsgInv
	if err := msg.Decode(codec.NewReader(w.Bytes())); err == nil {
		t.Error("oversized inv accepted")
	}
}

func TestRoutable(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"198.51.100.1", true},
		{"127.0.0.1", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
	}
	for _, tt := range tests {
		addr := NetAddress{IP: net.ParseIP(tt.ip)}
		if got := addr.Routable(); got != tt.want {
			t.Errorf("Routable(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func FuzzReadMessage(f *testing.F) {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, testMagic, CmdPing, []byte{1, 2, 3})
	f.Add(buf.Bytes())
	f.Fuzz(func(t *testing.T, data []byte) {
		_, payload, err := ReadMessage(bytes.NewReader(data), testMagic)
		if err == nil && len(payload) > codec.MaxMessageSize {
			t.Error("accepted oversized payload")
		}
	})
}
