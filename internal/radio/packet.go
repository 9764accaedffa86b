// Package radio holds the protocol stack that runs on each mesh node: the
// over-the-air packet format, high-level messages and their fragmentation,
// and the flooding reference stack.
package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout.
const (
	HeaderSize      = 5
	MaxPacketSize   = 255
	MaxPayloadSize  = MaxPacketSize - HeaderSize
	ChecksumSize    = 4
	MaxFragmentData = MaxPayloadSize - ChecksumSize
)

var (
	ErrShortPacket     = errors.New("packet shorter than header")
	ErrBadPacket       = errors.New("malformed packet")
	ErrMessageTooLarge = errors.New("message too large")
	ErrQueueFull       = errors.New("send queue full")
)

// MessageType is the first byte of every frame and every message.
type MessageType uint8

const (
	TypeRequestEcho      MessageType = 0x01
	TypeEcho             MessageType = 0x02
	TypeRequestFullBlock MessageType = 0x03
	TypeRequestBlockPart MessageType = 0x04
	TypeAddBlock         MessageType = 0x05
	TypeAddTransaction   MessageType = 0x06
	TypeGetMempoolState  MessageType = 0x07
	TypeSupport          MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case TypeRequestEcho:
		return "request_echo"
	case TypeEcho:
		return "echo"
	case TypeRequestFullBlock:
		return "request_full_block"
	case TypeRequestBlockPart:
		return "request_block_part"
	case TypeAddBlock:
		return "add_block"
	case TypeAddTransaction:
		return "add_transaction"
	case TypeGetMempoolState:
		return "get_mempool_state"
	case TypeSupport:
		return "support"
	default:
		return fmt.Sprintf("type_0x%02x", uint8(t))
	}
}

// Packet is one radio frame: the raw bytes plus the decoded header fields.
// Payload aliases Data.
type Packet struct {
	Data []byte

	MessageType      MessageType
	PacketIndex      uint8
	TotalPacketCount uint8
	Length           uint16
	Payload          []byte
}

// EncodePacket builds a frame. index is 1-based.
func EncodePacket(t MessageType, index, count uint8, payload []byte) (Packet, error) {
	if len(payload) > MaxPayloadSize {
		return Packet{}, fmt.Errorf("EncodePacket: %w: payload %d bytes", ErrMessageTooLarge, len(payload))
	}
	if index == 0 || index > count {
		return Packet{}, fmt.Errorf("EncodePacket: %w: index %d of %d", ErrBadPacket, index, count)
	}
	data := make([]byte, HeaderSize+len(payload))
	data[0] = byte(t)
	data[1] = index
	data[2] = count
	binary.BigEndian.PutUint16(data[3:5], uint16(len(payload)))
	copy(data[HeaderSize:], payload)
	return DecodePacket(data)
}

// DecodePacket parses a frame without copying it.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("DecodePacket: %w: %d bytes", ErrShortPacket, len(data))
	}
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("DecodePacket: %w: %d bytes", ErrMessageTooLarge, len(data))
	}
	length := binary.BigEndian.Uint16(data[3:5])
	if int(length) != len(data)-HeaderSize {
		return Packet{}, fmt.Errorf("DecodePacket: %w: length field %d, payload %d", ErrBadPacket, length, len(data)-HeaderSize)
	}
	p := Packet{
		Data:             data,
		MessageType:      MessageType(data[0]),
		PacketIndex:      data[1],
		TotalPacketCount: data[2],
		Length:           length,
		Payload:          data[HeaderSize:],
	}
	if p.PacketIndex == 0 || p.PacketIndex > p.TotalPacketCount {
		return Packet{}, fmt.Errorf("DecodePacket: %w: index %d of %d", ErrBadPacket, p.PacketIndex, p.TotalPacketCount)
	}
	return p, nil
}

// Checksum returns the message checksum carried by every fragment.
func (p Packet) Checksum() (uint32, bool) {
	if len(p.Payload) < ChecksumSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Payload[:ChecksumSize]), true
}

// Sequence returns the message sequence when this is the first fragment,
// which carries the message header.
func (p Packet) Sequence() (uint32, bool) {
	if p.PacketIndex != 1 {
		return 0, false
	}
	off := ChecksumSize + SequenceOffset
	if len(p.Payload) < off+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Payload[off : off+4]), true
}

// Clone returns a packet backed by a copy of p.Data.
func (p Packet) Clone() Packet {
	data := append([]byte(nil), p.Data...)
	c, err := DecodePacket(data)
	if err != nil {
		return Packet{Data: data}
	}
	return c
}
