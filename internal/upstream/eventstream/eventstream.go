// Package eventstream decodes the upstream's binary event framing. Each
// frame is:
//
//	4 bytes  total length   (big endian)
//	4 bytes  headers length
//	4 bytes  prelude CRC
//	N bytes  headers        (name-length, name, value-type, value)
//	M bytes  payload
//	4 bytes  message CRC
//
// The decoder is incremental: feed it whatever bytes arrived and it returns
// the frames completed so far, keeping any tail for the next read. Corrupt
// preludes are resynchronized by sliding one byte forward.
package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

const (
	preludeLen = 12
	crcLen     = 4
	minFrame   = preludeLen + crcLen
)

// Header value type codes.
const (
	typeBoolTrue  = 0
	typeBoolFalse = 1
	typeByte      = 2
	typeInt16     = 3
	typeInt32     = 4
	typeInt64     = 5
	typeBytes     = 6
	typeString    = 7
	typeTimestamp = 8
	typeUUID      = 9
)

// Message is one decoded frame.
type Message struct {
	Headers map[string]interface{}
	Payload []byte
}

// EventType returns the ":event-type" header, or "" when absent.
func (m *Message) EventType() string {
	if v, ok := m.Headers[":event-type"].(string); ok {
		return v
	}
	return ""
}

// MessageType returns the ":message-type" header ("event", "exception"...).
func (m *Message) MessageType() string {
	if v, ok := m.Headers[":message-type"].(string); ok {
		return v
	}
	return ""
}

// ExceptionType returns the ":exception-type" header for exception frames.
func (m *Message) ExceptionType() string {
	if v, ok := m.Headers[":exception-type"].(string); ok {
		return v
	}
	return ""
}

// Decoder accumulates bytes and yields complete frames.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns every frame completed by it. A nil chunk
// just drains whatever is already decodable.
func (d *Decoder) Feed(chunk []byte) []Message {
	d.buf = append(d.buf, chunk...)

	var out []Message
	for {
		msg, ok := d.next()
		if !ok {
			return out
		}
		if msg != nil {
			out = append(out, *msg)
		}
	}
}

// Buffered returns how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }

// next pops one frame if available. Returns (nil, true) when a byte was
// discarded during resync and decoding should continue.
func (d *Decoder) next() (*Message, bool) {
	if len(d.buf) < preludeLen {
		return nil, false
	}
	totalLen := binary.BigEndian.Uint32(d.buf[0:4])
	headersLen := binary.BigEndian.Uint32(d.buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(d.buf[8:12])

	// Corrupt prelude, by length guard or CRC: slide one byte and retry, the
	// stream is assumed to re-align at the next real frame boundary.
	if totalLen < minFrame || headersLen > totalLen-minFrame ||
		preludeCRC != crc32.ChecksumIEEE(d.buf[0:8]) {
		d.buf = d.buf[1:]
		return nil, true
	}
	if uint32(len(d.buf)) < totalLen {
		return nil, false
	}

	frame := d.buf[:totalLen]
	headersRaw := frame[preludeLen : preludeLen+headersLen]
	payload := frame[preludeLen+headersLen : totalLen-crcLen]

	msg := &Message{
		Headers: parseHeaders(headersRaw),
		Payload: append([]byte(nil), payload...),
	}
	d.buf = d.buf[totalLen:]
	return msg, true
}

// parseHeaders decodes the typed header block. A malformed block yields the
// headers parsed so far; the payload is still usable.
func parseHeaders(raw []byte) map[string]interface{} {
	headers := make(map[string]interface{})
	pos := 0
	for pos < len(raw) {
		nameLen := int(raw[pos])
		pos++
		if pos+nameLen > len(raw) {
			return headers
		}
		name := string(raw[pos : pos+nameLen])
		pos += nameLen

		if pos >= len(raw) {
			return headers
		}
		valueType := raw[pos]
		pos++

		value, consumed, ok := parseValue(raw[pos:], valueType)
		if !ok {
			return headers
		}
		pos += consumed
		headers[name] = value
	}
	return headers
}

func parseValue(raw []byte, valueType byte) (interface{}, int, bool) {
	switch valueType {
	case typeBoolTrue:
		return true, 0, true
	case typeBoolFalse:
		return false, 0, true
	case typeByte:
		if len(raw) < 1 {
			return nil, 0, false
		}
		return int8(raw[0]), 1, true
	case typeInt16:
		if len(raw) < 2 {
			return nil, 0, false
		}
		return int16(binary.BigEndian.Uint16(raw)), 2, true
	case typeInt32:
		if len(raw) < 4 {
			return nil, 0, false
		}
		return int32(binary.BigEndian.Uint32(raw)), 4, true
	case typeInt64:
		if len(raw) < 8 {
			return nil, 0, false
		}
		return int64(binary.BigEndian.Uint64(raw)), 8, true
	case typeBytes, typeString:
		if len(raw) < 2 {
			return nil, 0, false
		}
		n := int(binary.BigEndian.Uint16(raw))
		if len(raw) < 2+n {
			return nil, 0, false
		}
		if valueType == typeString {
			return string(raw[2 : 2+n]), 2 + n, true
		}
		return append([]byte(nil), raw[2:2+n]...), 2 + n, true
	case typeTimestamp:
		if len(raw) < 8 {
			return nil, 0, false
		}
		ms := int64(binary.BigEndian.Uint64(raw))
		return time.UnixMilli(ms).UTC(), 8, true
	case typeUUID:
		if len(raw) < 16 {
			return nil, 0, false
		}
		return append([]byte(nil), raw[:16]...), 16, true
	default:
		return nil, 0, false
	}
}
