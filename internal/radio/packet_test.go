package radio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodePacket(t *testing.T) {
	p, err := EncodePacket(TypeAddBlock, 1, 2, []byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	want := []byte{0x05, 1, 2, 0x00, 0x05, 0xde, 0xad, 0xbe, 0xef, 0x01}
	if !bytes.Equal(p.Data, want) {
		t.Fatalf("Data = % x, want % x", p.Data, want)
	}
	if p.MessageType != TypeAddBlock || p.PacketIndex != 1 || p.TotalPacketCount != 2 || p.Length != 5 {
		t.Fatalf("unexpected header: %+v", p)
	}
	sum, ok := p.Checksum()
	if !ok || sum != 0xdeadbeef {
		t.Fatalf("Checksum() = %x, %v", sum, ok)
	}
}

func TestDecodePacketErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte{1, 1, 1}, ErrShortPacket},
		{"length mismatch", []byte{1, 1, 1, 0, 9, 0}, ErrBadPacket},
		{"zero index", []byte{1, 0, 1, 0, 0}, ErrBadPacket},
		{"index past count", []byte{1, 3, 2, 0, 0}, ErrBadPacket},
		{"too large", make([]byte, MaxPacketSize+1), ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePacket(tt.data); !errors.Is(err, tt.want) {
				t.Fatalf("DecodePacket err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodePacketTooLarge(t *testing.T) {
	if _, err := EncodePacket(TypeEcho, 1, 1, make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestMessageEncodeLayout(t *testing.T) {
	m := NewAddBlock(0x01020304, 0xdeadbeef, []byte("x"))
	data := m.Encode()
	if data[0] != byte(TypeAddBlock) {
		t.Fatalf("type byte = %x", data[0])
	}
	seq, ok := SequenceOf(data)
	if !ok || seq != 0xdeadbeef {
		t.Fatalf("SequenceOf = %x, %v", seq, ok)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestFragmentSingle(t *testing.T) {
	m := NewAddBlock(9, 0xdeadbeef, make([]byte, 41))
	packets, err := Fragment(m)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(packets))
	}
	p := packets[0]
	if len(p.Data) != HeaderSize+ChecksumSize+MessageHeaderSize+41 {
		t.Fatalf("frame size = %d", len(p.Data))
	}
	if seq, ok := p.Sequence(); !ok || seq != 0xdeadbeef {
		t.Fatalf("Sequence() = %x, %v", seq, ok)
	}
	if sum, _ := p.Checksum(); sum != m.Checksum() {
		t.Fatalf("fragment checksum %x, message checksum %x", sum, m.Checksum())
	}
}

func TestFragmentReassembleOutOfOrder(t *testing.T) {
	body := make([]byte, 600)
	for i := range body {
		body[i] = byte(i)
	}
	m := Message{Type: TypeRequestFullBlock, Origin: 3, Sequence: 77, Body: body}

	packets, err := Fragment(m)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(packets))
	}
	for _, p := range packets {
		if len(p.Data) > MaxPacketSize {
			t.Fatalf("fragment of %d bytes exceeds frame limit", len(p.Data))
		}
	}

	r := NewReassembler()
	order := []int{2, 0, 0, 1}
	var got Message
	var done bool
	for _, i := range order {
		got, _, done, err = r.Add(packets[i])
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done {
		t.Fatalf("expected message to complete")
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("reassembled mismatch (-want +got):\n%s", diff)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected no pending partials, got %d", r.Pending())
	}
}

func TestReassemblerChecksumMismatch(t *testing.T) {
	packets, err := Fragment(NewAddBlock(1, 2, []byte("hello")))
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	p := packets[0].Clone()
	p.Data[len(p.Data)-1] ^= 0xff

	if _, _, _, err := NewReassembler().Add(p); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("expected ErrBadPacket, got %v", err)
	}
}

func TestReassemblerEvictsOldest(t *testing.T) {
	r := NewReassembler()
	for i := 0; i < defaultMaxPartials+5; i++ {
		packets, err := Fragment(Message{Type: TypeAddTransaction, Sequence: uint32(i), Body: make([]byte, 300)})
		if err != nil {
			t.Fatalf("Fragment: %v", err)
		}
		if _, _, _, err := r.Add(packets[0]); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if r.Pending() != defaultMaxPartials {
		t.Fatalf("Pending = %d, want %d", r.Pending(), defaultMaxPartials)
	}
}

func TestFragmentTooLarge(t *testing.T) {
	if _, err := Fragment(Message{Type: TypeAddBlock, Body: make([]byte, MaxMessageSize)}); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestLinkQuality(t *testing.T) {
	tests := []struct {
		rssi, sinr float32
		want       uint8
	}{
		{-50, 20, 63},
		{-140, 20, 0},
		{-50, -30, 0},
		{-95, 20, 31},
		{-50, -5, 31},
		{-95, -5, 31},
	}
	for _, tt := range tests {
		if got := LinkQuality(tt.rssi, tt.sinr); got != tt.want {
			t.Errorf("LinkQuality(%v, %v) = %d, want %d", tt.rssi, tt.sinr, got, tt.want)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	if TypeAddBlock.String() != "add_block" {
		t.Fatalf("String() = %q", TypeAddBlock.String())
	}
	if MessageType(0x42).String() != "type_0x42" {
		t.Fatalf("String() = %q", MessageType(0x42).String())
	}
}
