// Package socketio encodes and decodes the subset of Engine.IO v4 and
// Socket.IO v5 framing used over a plain websocket transport.
package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO packet types, sent as the first byte of every text frame.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// PacketType is a Socket.IO packet type carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

// DefaultNamespace is omitted on the wire.
const DefaultNamespace = "/"

// Query selects the websocket-only Engine.IO v4 transport.
const Query = "EIO=4&transport=websocket"

var (
	ErrChannelClosed   = errors.New("socketio: channel closed")
	ErrMalformedPacket = errors.New("socketio: malformed packet")
)

// OpenPayload is the handshake body of an Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type        PacketType
	Namespace   string
	Attachments int
	Data        json.RawMessage
}

type placeholder struct {
	Placeholder bool `json:"_placeholder"`
	Num         int  `json:"num"`
}

// EncodeEngine frames payload as an Engine.IO packet of the given kind.
func EncodeEngine(kind byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, kind)
	return append(out, payload...)
}

// DecodeEngine splits a text frame into its Engine.IO kind and payload.
func DecodeEngine(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("%w: empty engine frame", ErrMalformedPacket)
	}
	kind := frame[0]
	if kind < EngineOpen || kind > EngineNoop {
		return 0, nil, fmt.Errorf("%w: unknown engine type %q", ErrMalformedPacket, kind)
	}
	return kind, frame[1:], nil
}

// Encode renders a Socket.IO packet as a complete Engine.IO message frame.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(EngineMessage)
	buf.WriteByte(byte(p.Type))
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		buf.WriteString(strconv.Itoa(p.Attachments))
		buf.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// DecodePacket parses the payload of an Engine.IO message packet.
func DecodePacket(payload []byte) (Packet, error) {
	if len(payload) == 0 {
		return Packet{}, fmt.Errorf("%w: empty socket packet", ErrMalformedPacket)
	}
	p := Packet{Type: PacketType(payload[0]), Namespace: DefaultNamespace}
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return Packet{}, fmt.Errorf("%w: unknown socket type %q", ErrMalformedPacket, payload[0])
	}
	rest := payload[1:]

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		dash := bytes.IndexByte(rest, '-')
		if dash <= 0 {
			return Packet{}, fmt.Errorf("%w: missing attachment count", ErrMalformedPacket)
		}
		n, err := strconv.Atoi(string(rest[:dash]))
		if err != nil || n < 0 {
			return Packet{}, fmt.Errorf("%w: bad attachment count", ErrMalformedPacket)
		}
		p.Attachments = n
		rest = rest[dash+1:]
	}

	if len(rest) > 0 && rest[0] == '/' {
		comma := bytes.IndexByte(rest, ',')
		if comma < 0 {
			p.Namespace = string(rest)
			rest = nil
		} else {
			p.Namespace = string(rest[:comma])
			rest = rest[comma+1:]
		}
	}

	// Ack ids are accepted and ignored.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	rest = rest[i:]

	if len(rest) > 0 {
		p.Data = json.RawMessage(append([]byte(nil), rest...))
	}
	return p, nil
}

// NewEvent builds a plain event packet with JSON arguments.
func NewEvent(name string, args ...any) (Packet, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	data, err := json.Marshal(parts)
	if err != nil {
		return Packet{}, fmt.Errorf("failed to encode %q event: %w", name, err)
	}
	return Packet{Type: PacketEvent, Data: data}, nil
}

// NewBinaryEvent builds an event whose only argument is one binary attachment.
// The attachment itself travels in the next websocket binary frame.
func NewBinaryEvent(name string) Packet {
	data, _ := json.Marshal([]any{name, placeholder{Placeholder: true, Num: 0}})
	return Packet{Type: PacketBinaryEvent, Attachments: 1, Data: data}
}

// Event returns the event name and raw arguments of an event packet.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent && p.Type != PacketBinaryEvent {
		return "", nil, fmt.Errorf("%w: packet type %q is not an event", ErrMalformedPacket, byte(p.Type))
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: event body: %v", ErrMalformedPacket, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	return name, parts[1:], nil
}

// PlaceholderIndex reports the attachment index if arg is a binary placeholder.
// Negative indexes are not placeholders.
func PlaceholderIndex(arg json.RawMessage) (int, bool) {
	if len(arg) == 0 || arg[0] != '{' {
		return 0, false
	}
	var ph placeholder
	if err := json.Unmarshal(arg, &ph); err != nil || !ph.Placeholder || ph.Num < 0 {
		return 0, false
	}
	return ph.Num, true
}

// StringArg decodes the argument at index i as a string.
func StringArg(args []json.RawMessage, i int) (string, bool) {
	if i < 0 || i >= len(args) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", false
	}
	return s, true
}
