package analyzer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNotEvent reports a line without a structured event marker.
	ErrNotEvent = errors.New("not a structured event line")
	// ErrMalformedEvent reports a marked line whose fields cannot be used.
	ErrMalformedEvent = errors.New("malformed structured event")
)

var markerPattern = regexp.MustCompile(`\*TM([1-8])\*`)

// EventKind tags a structured log event.
type EventKind int

const (
	EventSendPacket EventKind = iota + 1
	EventReceivePacket
	EventStartMeasurement
	EventReceivedFullMessage
	EventPacketCrcError
	EventAddBlockReceived
	EventAddBlockSent
	EventVersionInfo
)

func (k EventKind) String() string {
	switch k {
	case EventSendPacket:
		return "send_packet"
	case EventReceivePacket:
		return "receive_packet"
	case EventStartMeasurement:
		return "start_measurement"
	case EventReceivedFullMessage:
		return "received_full_message"
	case EventPacketCrcError:
		return "packet_crc_error"
	case EventAddBlockReceived:
		return "add_block_received"
	case EventAddBlockSent:
		return "add_block_sent"
	case EventVersionInfo:
		return "version_info"
	default:
		return "unknown"
	}
}

// Event is one structured TM1..TM8 event. Only the fields relevant to the
// kind are set.
type Event struct {
	Kind         EventKind
	MessageType  uint8
	Sender       uint32
	Sequence     uint32
	Length       uint16
	PacketIndex  uint8
	PacketCount  uint8
	LinkQuality  uint8
	ProbeVersion string
	NodeVersion  string
	// PacketInfoDefaulted is set when a receive event had no packet i/j
	// field and (1,1) was assumed.
	PacketInfoDefaulted bool
}

// ParseEvent decodes the structured part of line. It returns ErrNotEvent
// when the line carries no marker and wraps ErrMalformedEvent when a
// required field is missing or unparsable.
func ParseEvent(line string) (Event, error) {
	m := markerPattern.FindStringSubmatchIndex(line)
	if m == nil {
		return Event{}, ErrNotEvent
	}
	kind := EventKind(line[m[2]] - '0')
	fields := splitFields(line[m[1]:])
	ev := Event{Kind: kind}

	var err error
	switch kind {
	case EventSendPacket:
		if ev.MessageType, err = requireUint8(fields, "type"); err != nil {
			return Event{}, wrapField(kind, err)
		}
		ev.Length, _ = optionalUint16(fields, "length")
		ev.PacketIndex, ev.PacketCount, _ = packetInfo(fields)
	case EventReceivePacket:
		if ev.MessageType, err = requireUint8(fields, "type"); err != nil {
			return Event{}, wrapField(kind, err)
		}
		if ev.Sender, err = requireUint32(fields, "sender"); err != nil {
			return Event{}, wrapField(kind, err)
		}
		ev.Length, _ = optionalUint16(fields, "length")
		ev.LinkQuality, _ = optionalUint8(fields, "link quality")
		var ok bool
		if ev.PacketIndex, ev.PacketCount, ok = packetInfo(fields); !ok {
			ev.PacketIndex, ev.PacketCount = 1, 1
			ev.PacketInfoDefaulted = true
		}
	case EventStartMeasurement, EventAddBlockSent:
		if ev.Sequence, err = requireUint32(fields, "sequence"); err != nil {
			return Event{}, wrapField(kind, err)
		}
	case EventAddBlockReceived:
		if ev.Sequence, err = requireUint32(fields, "sequence"); err != nil {
			return Event{}, wrapField(kind, err)
		}
		ev.Sender, _ = optionalUint32(fields, "sender")
	case EventReceivedFullMessage:
		if ev.MessageType, err = requireUint8(fields, "type"); err != nil {
			return Event{}, wrapField(kind, err)
		}
		ev.Sender, _ = optionalUint32(fields, "sender")
		ev.Sequence, _ = optionalUint32(fields, "sequence")
	case EventPacketCrcError:
		ev.Sender, _ = optionalUint32(fields, "sender")
		ev.MessageType, _ = optionalUint8(fields, "type")
	case EventVersionInfo:
		ev.ProbeVersion = fields["probe_version"]
		ev.NodeVersion = fields["node_version"]
		if ev.ProbeVersion == "" && ev.NodeVersion == "" {
			return Event{}, wrapField(kind, errors.New("no version field"))
		}
	}
	return ev, nil
}

func wrapField(kind EventKind, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
}

// splitFields parses "name: value, name: value" into a map keyed by the
// lower-cased name. Tokens without a colon are ignored.
func splitFields(s string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if _, dup := out[name]; !dup {
			out[name] = value
		}
	}
	return out
}

func parseUint(fields map[string]string, name string, bits int) (uint64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing %q", name)
	}
	// Values may carry a trailing unit or comment: "length: 42 bytes".
	if i := strings.IndexAny(raw, " \t"); i > 0 {
		raw = raw[:i]
	}
	// Decimal unless prefixed with 0x; firmware pads decimals with zeros.
	base := 10
	if len(raw) > 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw, base = raw[2:], 16
	}
	v, err := strconv.ParseUint(raw, base, bits)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return v, nil
}

func requireUint8(fields map[string]string, name string) (uint8, error) {
	v, err := parseUint(fields, name, 8)
	return uint8(v), err
}

func requireUint32(fields map[string]string, name string) (uint32, error) {
	v, err := parseUint(fields, name, 32)
	return uint32(v), err
}

func optionalUint8(fields map[string]string, name string) (uint8, bool) {
	v, err := parseUint(fields, name, 8)
	return uint8(v), err == nil
}

func optionalUint16(fields map[string]string, name string) (uint16, bool) {
	v, err := parseUint(fields, name, 16)
	return uint16(v), err == nil
}

func optionalUint32(fields map[string]string, name string) (uint32, bool) {
	v, err := parseUint(fields, name, 32)
	return uint32(v), err == nil
}

// packetInfo parses "packet: i/j".
func packetInfo(fields map[string]string) (index, count uint8, ok bool) {
	raw, present := fields["packet"]
	if !present {
		return 0, 0, false
	}
	i, j, found := strings.Cut(raw, "/")
	if !found {
		return 0, 0, false
	}
	iv, err := strconv.ParseUint(strings.TrimSpace(i), 10, 8)
	if err != nil {
		return 0, 0, false
	}
	jv, err := strconv.ParseUint(strings.TrimSpace(j), 10, 8)
	if err != nil || iv == 0 || iv > jv {
		return 0, 0, false
	}
	return uint8(iv), uint8(jv), true
}
