// Package coap implements the subset of CoAP framing used on the encrypted
// device stream: 4-byte header, token, delta-encoded options, payload marker.
// Each frame on the wire is exactly one CoAP message; boundary detection is
// the cipher pipe's job.
package coap

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Type is the CoAP message type (2 bits).
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAck            Type = 2
	TypeReset          Type = 3
)

// Code is the CoAP code octet: 3-bit class, 5-bit detail.
type Code uint8

const (
	CodeEmpty  Code = 0x00
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04

	CodeChanged Code = 0x44 // 2.04
	CodeContent Code = 0x45 // 2.05

	CodeBadRequest Code = 0x80 // 4.00
	CodeNotFound   Code = 0x84 // 4.04

	CodeInternalError Code = 0xA0 // 5.00
)

// Class returns the 3-bit code class (0 request, 2 success, 4/5 error).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), uint8(c)&0x1F)
}

// Option numbers used by the device protocol.
const (
	OptionUriPath  = 11
	OptionMaxAge   = 14
	OptionUriQuery = 15
)

const payloadMarker = 0xFF

// Option is a single decoded CoAP option.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is one decoded CoAP datagram.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte

	// Received is stamped by protocol.Unwrap when the frame is decoded.
	Received time.Time
}

// IsAck reports whether the message is an acknowledgement.
func (m *Message) IsAck() bool { return m.Type == TypeAck }

// IsConfirmable reports whether the message requires an ack.
func (m *Message) IsConfirmable() bool { return m.Type == TypeConfirmable }

// IsEmpty reports whether the message carries the empty code (ping).
func (m *Message) IsEmpty() bool { return m.Code == CodeEmpty }

// IsRequest reports whether the code is in the request class.
func (m *Message) IsRequest() bool { return m.Code.Class() == 0 && m.Code != CodeEmpty }

// TokenString renders the token as lowercase hex for log correlation.
func (m *Message) TokenString() string {
	if len(m.Token) == 0 {
		return ""
	}
	return fmt.Sprintf("%02x", m.Token)
}

// UriPath joins all Uri-Path options with '/'.
func (m *Message) UriPath() string {
	var parts []string
	for _, o := range m.Options {
		if o.Number == OptionUriPath {
			parts = append(parts, string(o.Value))
		}
	}
	return strings.Join(parts, "/")
}

// UriQuery returns the first Uri-Query option, or "".
func (m *Message) UriQuery() string {
	for _, o := range m.Options {
		if o.Number == OptionUriQuery {
			return string(o.Value)
		}
	}
	return ""
}

// MaxAge returns the Max-Age option value in seconds, or 0 if absent.
func (m *Message) MaxAge() uint32 {
	for _, o := range m.Options {
		if o.Number == OptionMaxAge {
			return decodeUint(o.Value)
		}
	}
	return 0
}

// AddUriPath appends one Uri-Path segment per path element.
func (m *Message) AddUriPath(path string) {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		m.Options = append(m.Options, Option{Number: OptionUriPath, Value: []byte(seg)})
	}
}

// AddUriQuery appends a Uri-Query option.
func (m *Message) AddUriQuery(q string) {
	m.Options = append(m.Options, Option{Number: OptionUriQuery, Value: []byte(q)})
}

// AddMaxAge appends a Max-Age option.
func (m *Message) AddMaxAge(seconds uint32) {
	m.Options = append(m.Options, Option{Number: OptionMaxAge, Value: encodeUint(seconds)})
}

// Marshal encodes the message to wire bytes. Options must already be in
// ascending option-number order (AddUriPath/AddMaxAge/AddUriQuery keep the
// numbers we use ordered when called in that sequence).
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("token too long: %d bytes", len(m.Token))
	}

	buf := make([]byte, 0, 16+len(m.Payload))
	buf = append(buf, 0x40|byte(m.Type)<<4|byte(len(m.Token)))
	buf = append(buf, byte(m.Code))
	buf = binary.BigEndian.AppendUint16(buf, m.MessageID)
	buf = append(buf, m.Token...)

	prev := uint16(0)
	for _, o := range m.Options {
		if o.Number < prev {
			return nil, fmt.Errorf("options out of order: %d after %d", o.Number, prev)
		}
		delta := o.Number - prev
		prev = o.Number

		db, dext := optionNibble(uint32(delta))
		lb, lext := optionNibble(uint32(len(o.Value)))
		buf = append(buf, db<<4|lb)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// Unmarshal decodes one CoAP frame. It returns nil on any malformed input;
// the caller drops such frames.
func Unmarshal(data []byte) *Message {
	if len(data) < 4 {
		return nil
	}
	if (data[0] >> 6) != 1 {
		return nil
	}

	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	tkl := int(data[0] & 0x0F)
	if tkl > 8 || len(data) < 4+tkl {
		return nil
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[4:4+tkl]...)
	}

	pos := 4 + tkl
	number := uint16(0)
	for pos < len(data) {
		if data[pos] == payloadMarker {
			pos++
			if pos == len(data) {
				return nil // marker with no payload is malformed
			}
			m.Payload = append([]byte(nil), data[pos:]...)
			return m
		}

		db := uint32(data[pos] >> 4)
		lb := uint32(data[pos] & 0x0F)
		pos++

		delta, ok := optionExt(db, data, &pos)
		if !ok {
			return nil
		}
		length, ok := optionExt(lb, data, &pos)
		if !ok {
			return nil
		}
		if pos+int(length) > len(data) {
			return nil
		}

		number += uint16(delta)
		m.Options = append(m.Options, Option{
			Number: number,
			Value:  append([]byte(nil), data[pos:pos+int(length)]...),
		})
		pos += int(length)
	}

	return m
}

// optionNibble splits a delta/length value into its 4-bit field and
// extension bytes per RFC 7252 §3.1.
func optionNibble(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

func optionExt(nibble uint32, data []byte, pos *int) (uint32, bool) {
	switch nibble {
	case 13:
		if *pos >= len(data) {
			return 0, false
		}
		v := uint32(data[*pos]) + 13
		*pos++
		return v, true
	case 14:
		if *pos+2 > len(data) {
			return 0, false
		}
		v := uint32(binary.BigEndian.Uint16(data[*pos:])) + 269
		*pos += 2
		return v, true
	case 15:
		return 0, false // reserved
	default:
		return nibble, true
	}
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}
