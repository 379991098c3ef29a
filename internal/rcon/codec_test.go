package rcon

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     PacketType
		seq     byte
		payload string
		wantSeq bool
	}{
		{"login", PacketLogin, 0, "secret", false},
		{"command", PacketCommand, 0, "players", true},
		{"command max sequence", PacketCommand, 255, "#kick 3", true},
		{"empty keep-alive", PacketCommand, 17, "", true},
		{"acknowledge", PacketAcknowledge, 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.typ, tt.seq, tt.payload)
			require.NoError(t, err)

			f, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, f.Type)
			assert.Equal(t, tt.wantSeq, f.HasSequence())
			if tt.wantSeq {
				assert.Equal(t, tt.seq, f.Sequence)
			}
			assert.Equal(t, tt.payload, f.Text())
		})
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	data, err := Encode(PacketCommand, 3, "players")
	require.NoError(t, err)

	assert.Equal(t, []byte("BE"), data[:2])
	assert.Equal(t, byte(0xFF), data[6])
	assert.Equal(t, byte(PacketCommand), data[7])
	assert.Equal(t, byte(3), data[8])
	assert.Equal(t, []byte("players"), data[9:])

	// Checksum is the IEEE CRC32 of everything from 0xFF on, little-endian.
	assert.Equal(t, crc32.ChecksumIEEE(data[6:]), binary.LittleEndian.Uint32(data[2:6]))
}

func TestEncodeLoginOmitsSequence(t *testing.T) {
	data, err := Encode(PacketLogin, 99, "pw")
	require.NoError(t, err)
	assert.Len(t, data, 8+len("pw"))
	assert.Equal(t, []byte("pw"), data[8:])
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(PacketCommand, 200, "say -1 hello")
	require.NoError(t, err)
	b, err := Encode(PacketCommand, 200, "say -1 hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Encode(PacketCommand, 201, "say -1 hello")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEncodeTranscodesWindows1252(t *testing.T) {
	data, err := Encode(PacketCommand, 1, "café €5")
	require.NoError(t, err)

	payload := data[9:]
	assert.Equal(t, []byte{'c', 'a', 'f', 0xE9, ' ', 0x80, '5'}, payload)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "café €5", f.Text())
}

func TestEncodeReplacesUnsupportedRunes(t *testing.T) {
	data, err := Encode(PacketCommand, 1, "日本")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1a, 0x1a}, data[9:])
}

func TestEncodeAcknowledgeKeepsRawBytes(t *testing.T) {
	data, err := Encode(PacketAcknowledge, 9, "\xe9")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9}, data[9:])
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(PacketType(3), 0, "x")
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(PacketCommand, 0, "players")
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := Decode(valid[:8])
		assert.ErrorIs(t, err, ErrFrameTooShort)
		assert.ErrorIs(t, err, ErrFrameDecode)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[0] = 'X'
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrBadHeader)
	})

	t.Run("missing marker", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[6] = 0x00
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrBadHeader)
	})

	t.Run("unknown type", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[7] = 0x03
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrUnknownPacketType)
		assert.ErrorIs(t, err, ErrFrameDecode)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[len(bad)-1] ^= 0xFF
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrChecksumMismatch)

		f, err := DecodeUnverified(bad)
		require.NoError(t, err)
		assert.Equal(t, PacketCommand, f.Type)
	})
}

func TestDecodeCopiesPayload(t *testing.T) {
	data, err := Encode(PacketCommand, 0, "abc")
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	data[9] = 'z'
	assert.Equal(t, "abc", f.Text())
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "login", PacketLogin.String())
	assert.Equal(t, "command", PacketCommand.String())
	assert.Equal(t, "acknowledge", PacketAcknowledge.String())
	assert.Equal(t, "unknown(0x07)", PacketType(7).String())
}
