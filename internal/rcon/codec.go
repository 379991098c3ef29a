// Package rcon implements a BattlEye remote console client: the framed
// datagram codec, the login/keep-alive session, the outstanding command
// table with retransmission, and reassembly of multi-part server replies.
//
// Wire format (every frame is one UDP datagram):
//
//	'B' 'E' [crc32 LE:4] 0xFF [type:1] [sequence:1]? [payload...]
//
// The CRC32 (IEEE) covers everything from the 0xFF marker onward.
package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// PacketType is the type marker carried at offset 7 of every frame.
type PacketType byte

const (
	// PacketLogin is a login request (client) or login reply (server).
	PacketLogin PacketType = 0x00
	// PacketCommand is a command (client) or command reply (server).
	PacketCommand PacketType = 0x01
	// PacketAcknowledge is a message acknowledgement (client) or a
	// server-initiated message that must be acknowledged (server).
	PacketAcknowledge PacketType = 0x02
)

// String returns a human-readable packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketLogin:
		return "login"
	case PacketCommand:
		return "command"
	case PacketAcknowledge:
		return "acknowledge"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

const (
	// MinFrameSize is the smallest datagram accepted by Decode.
	MinFrameSize = 9

	frameMarker    byte = 0xFF
	offsetChecksum      = 2
	offsetBody          = 6
	offsetType          = 7
	offsetSequence      = 8

	// maxDatagramSize bounds a single inbound read.
	maxDatagramSize = 4096
)

// Frame decode errors. All of them match ErrFrameDecode with errors.Is.
var (
	ErrFrameDecode        = errors.New("rcon: frame decode failed")
	ErrFrameTooShort      = fmt.Errorf("%w: frame shorter than %d bytes", ErrFrameDecode, MinFrameSize)
	ErrBadHeader          = fmt.Errorf("%w: bad frame header", ErrFrameDecode)
	ErrUnknownPacketType  = fmt.Errorf("%w: unknown packet type", ErrFrameDecode)
	ErrChecksumMismatch   = fmt.Errorf("%w: checksum mismatch", ErrFrameDecode)
	ErrUnsupportedPayload = errors.New("rcon: unsupported packet type for encoding")
)

// Frame is a decoded protocol frame. It owns no resources.
type Frame struct {
	Checksum uint32
	Type     PacketType
	// Sequence is only meaningful when HasSequence reports true.
	Sequence byte
	Payload  []byte
}

// HasSequence reports whether the frame type carries a sequence byte.
func (f Frame) HasSequence() bool {
	return f.Type != PacketLogin
}

// Text returns the payload transcoded from Windows-1252 to UTF-8.
func (f Frame) Text() string {
	return decodeText(f.Payload)
}

// Encode builds a complete frame. Login and Command payloads are transcoded
// from UTF-8 to Windows-1252 before checksumming; runes outside the code page
// are replaced. Acknowledge frames carry the sequence byte followed by the
// payload bytes unmodified. The sequence byte is ignored for Login frames.
func Encode(t PacketType, seq byte, payload string) ([]byte, error) {
	switch t {
	case PacketLogin, PacketCommand:
		return encodeFrame(t, seq, encodeText(payload))
	case PacketAcknowledge:
		return encodeFrame(t, seq, []byte(payload))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, t)
	}
}

// encodeFrame assembles header, checksum and body around raw payload bytes.
func encodeFrame(t PacketType, seq byte, payload []byte) ([]byte, error) {
	if t > PacketAcknowledge {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, t)
	}

	body := make([]byte, 0, 3+len(payload))
	body = append(body, frameMarker, byte(t))
	if t != PacketLogin {
		body = append(body, seq)
	}
	body = append(body, payload...)

	frame := make([]byte, offsetBody, offsetBody+len(body))
	frame[0], frame[1] = 'B', 'E'
	binary.LittleEndian.PutUint32(frame[offsetChecksum:offsetBody], crc32.ChecksumIEEE(body))
	return append(frame, body...), nil
}

// Decode parses a datagram and verifies its checksum.
func Decode(data []byte) (Frame, error) {
	return decode(data, true)
}

// DecodeUnverified parses a datagram without recomputing the checksum.
func DecodeUnverified(data []byte) (Frame, error) {
	return decode(data, false)
}

func decode(data []byte, verify bool) (Frame, error) {
	if len(data) < MinFrameSize {
		return Frame{}, fmt.Errorf("%w (got %d)", ErrFrameTooShort, len(data))
	}
	if data[0] != 'B' || data[1] != 'E' || data[offsetBody] != frameMarker {
		return Frame{}, ErrBadHeader
	}

	t := PacketType(data[offsetType])
	if t > PacketAcknowledge {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, data[offsetType])
	}

	f := Frame{
		Checksum: binary.LittleEndian.Uint32(data[offsetChecksum:offsetBody]),
		Type:     t,
	}
	if verify {
		if sum := crc32.ChecksumIEEE(data[offsetBody:]); sum != f.Checksum {
			return Frame{}, fmt.Errorf("%w: header 0x%08x, computed 0x%08x", ErrChecksumMismatch, f.Checksum, sum)
		}
	}

	payloadStart := offsetSequence
	if f.HasSequence() {
		f.Sequence = data[offsetSequence]
		payloadStart++
	}
	// Copy so the caller may reuse its read buffer.
	f.Payload = append([]byte(nil), data[payloadStart:]...)
	return f, nil
}

func encodeText(s string) []byte {
	out, err := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

func decodeText(b []byte) string {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
