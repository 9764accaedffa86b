package radio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Message header layout: [type][origin u32][sequence u32][body].
const (
	OriginOffset      = 1
	SequenceOffset    = 5
	MessageHeaderSize = 9
	MaxFragments      = 255
	MaxMessageSize    = MaxFragments * MaxFragmentData
)

// Message is a high-level protocol message exchanged between stacks.
type Message struct {
	Type     MessageType
	Origin   uint32
	Sequence uint32
	Body     []byte
}

// NewAddBlock builds the AddBlock message a measurement floods through the
// mesh.
func NewAddBlock(origin, sequence uint32, body []byte) Message {
	return Message{Type: TypeAddBlock, Origin: origin, Sequence: sequence, Body: body}
}

// Encode serializes the message.
func (m Message) Encode() []byte {
	data := make([]byte, MessageHeaderSize+len(m.Body))
	data[0] = byte(m.Type)
	binary.BigEndian.PutUint32(data[OriginOffset:SequenceOffset], m.Origin)
	binary.BigEndian.PutUint32(data[SequenceOffset:MessageHeaderSize], m.Sequence)
	copy(data[MessageHeaderSize:], m.Body)
	return data
}

// Checksum returns the CRC32 (IEEE) of the encoded message.
func (m Message) Checksum() uint32 {
	return crc32.ChecksumIEEE(m.Encode())
}

// DecodeMessage parses an encoded message.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < MessageHeaderSize {
		return Message{}, fmt.Errorf("DecodeMessage: %w: %d bytes", ErrShortPacket, len(data))
	}
	return Message{
		Type:     MessageType(data[0]),
		Origin:   binary.BigEndian.Uint32(data[OriginOffset:SequenceOffset]),
		Sequence: binary.BigEndian.Uint32(data[SequenceOffset:MessageHeaderSize]),
		Body:     append([]byte(nil), data[MessageHeaderSize:]...),
	}, nil
}

// SequenceOf reads the sequence embedded at SequenceOffset of encoded
// message data.
func SequenceOf(data []byte) (uint32, bool) {
	if len(data) < MessageHeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[SequenceOffset:MessageHeaderSize]), true
}

// Fragment splits m into frames. Each fragment payload starts with the
// message checksum.
func Fragment(m Message) ([]Packet, error) {
	data := m.Encode()
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("Fragment: %w: %d bytes", ErrMessageTooLarge, len(data))
	}
	sum := crc32.ChecksumIEEE(data)

	count := (len(data) + MaxFragmentData - 1) / MaxFragmentData
	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		start := i * MaxFragmentData
		end := min(start+MaxFragmentData, len(data))

		payload := make([]byte, ChecksumSize+end-start)
		binary.BigEndian.PutUint32(payload[:ChecksumSize], sum)
		copy(payload[ChecksumSize:], data[start:end])

		p, err := EncodePacket(m.Type, uint8(i+1), uint8(count), payload)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// MessageKey identifies a message on the air.
type MessageKey struct {
	Type     MessageType
	Checksum uint32
}

type partial struct {
	parts    [][]byte
	received int
	order    uint64
}

// defaultMaxPartials bounds the number of messages being reassembled.
const defaultMaxPartials = 64

// Reassembler collects fragments by (type, checksum) until a message is
// complete. It is not safe for concurrent use.
type Reassembler struct {
	partials    map[MessageKey]*partial
	maxPartials int
	order       uint64
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		partials:    make(map[MessageKey]*partial),
		maxPartials: defaultMaxPartials,
	}
}

// Pending returns the number of incomplete messages held.
func (r *Reassembler) Pending() int { return len(r.partials) }

// Add stores p. When p completes a message whose checksum matches, the
// decoded message and its key are returned with done = true.
func (r *Reassembler) Add(p Packet) (msg Message, key MessageKey, done bool, err error) {
	sum, ok := p.Checksum()
	if !ok {
		return Message{}, MessageKey{}, false, fmt.Errorf("Reassembler.Add: %w: no checksum", ErrShortPacket)
	}
	key = MessageKey{Type: p.MessageType, Checksum: sum}

	pt, ok := r.partials[key]
	if !ok {
		if len(r.partials) >= r.maxPartials {
			r.evictOldest()
		}
		r.order++
		pt = &partial{parts: make([][]byte, p.TotalPacketCount), order: r.order}
		r.partials[key] = pt
	}
	if int(p.TotalPacketCount) != len(pt.parts) {
		delete(r.partials, key)
		return Message{}, key, false, fmt.Errorf("Reassembler.Add: %w: fragment count changed", ErrBadPacket)
	}

	idx := int(p.PacketIndex) - 1
	if pt.parts[idx] == nil {
		pt.parts[idx] = append([]byte(nil), p.Payload[ChecksumSize:]...)
		pt.received++
	}
	if pt.received < len(pt.parts) {
		return Message{}, key, false, nil
	}
	delete(r.partials, key)

	var data []byte
	for _, part := range pt.parts {
		data = append(data, part...)
	}
	if crc32.ChecksumIEEE(data) != sum {
		return Message{}, key, false, fmt.Errorf("Reassembler.Add: %w: checksum mismatch", ErrBadPacket)
	}
	msg, err = DecodeMessage(data)
	if err != nil {
		return Message{}, key, false, err
	}
	return msg, key, true, nil
}

func (r *Reassembler) evictOldest() {
	var oldest MessageKey
	var oldestOrder uint64
	first := true
	for k, pt := range r.partials {
		if first || pt.order < oldestOrder {
			oldest, oldestOrder, first = k, pt.order, false
		}
	}
	if !first {
		delete(r.partials, oldest)
	}
}
