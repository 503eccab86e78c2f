// Package wav implements the canonical 44-byte RIFF/WAVE header used to
// frame raw PCM payloads into playable artifacts.
//
// All functions are pure and stateless. Multi-byte fields are little-endian.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pithecene-io/tapedeck/types"
)

// HeaderSize is the size of the canonical PCM WAV header in bytes.
const HeaderSize = 44

// formatPCM is the WAVE_FORMAT_PCM tag.
const formatPCM = 1

// fmtChunkSize is the size of the PCM fmt chunk body.
const fmtChunkSize = 16

// MaxPayloadSize is the largest payload whose RIFF size field fits in 32 bits.
const MaxPayloadSize = math.MaxUint32 - (HeaderSize - 8)

// Codec errors. Use errors.Is for classification.
var (
	// ErrInvalidFormat is returned for a zero or negative sample rate, channel
	// count or bit depth, or a payload too large to frame.
	ErrInvalidFormat = errors.New("wav: invalid format")

	// ErrTruncatedHeader is returned when input is shorter than the header or
	// shorter than the data chunk it declares.
	ErrTruncatedHeader = errors.New("wav: truncated header")

	// ErrUnrecognizedFormat is returned when the RIFF/WAVE markers are missing
	// or the format tag is not PCM.
	ErrUnrecognizedFormat = errors.New("wav: unrecognized format")
)

var (
	tagRIFF = []byte("RIFF")
	tagWAVE = []byte("WAVE")
	tagFmt  = []byte("fmt ")
	tagData = []byte("data")
)

// Validate checks that every format field is positive and that the bit
// depth is a whole number of bytes.
func Validate(f types.Format) error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	case f.BitDepth <= 0 || f.BitDepth%8 != 0:
		return fmt.Errorf("%w: bit depth %d", ErrInvalidFormat, f.BitDepth)
	}
	return nil
}

// EncodeHeader returns the 44-byte header for a payload of payloadLen bytes.
func EncodeHeader(f types.Format, payloadLen int) ([]byte, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	if payloadLen < 0 || int64(payloadLen) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidFormat, payloadLen)
	}

	h := make([]byte, HeaderSize)
	copy(h[0:4], tagRIFF)
	binary.LittleEndian.PutUint32(h[4:8], uint32(HeaderSize-8+payloadLen))
	copy(h[8:12], tagWAVE)

	copy(h[12:16], tagFmt)
	binary.LittleEndian.PutUint32(h[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(h[20:22], formatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitDepth))

	copy(h[36:40], tagData)
	binary.LittleEndian.PutUint32(h[40:44], uint32(payloadLen))
	return h, nil
}

// Wrap returns header + payload as a single WAV file image.
func Wrap(payload []byte, f types.Format) ([]byte, error) {
	h, err := EncodeHeader(f, len(payload))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h...)
	return append(out, payload...), nil
}

// Unwrap parses a WAV file image produced by Wrap and returns the PCM
// payload and its format. The returned payload aliases data.
func Unwrap(data []byte) ([]byte, types.Format, error) {
	f, size, err := DecodeHeader(data)
	if err != nil {
		return nil, types.Format{}, err
	}

	avail := int64(len(data) - HeaderSize)
	if size > avail {
		return nil, types.Format{}, fmt.Errorf("%w: data chunk declares %d bytes, have %d", ErrTruncatedHeader, size, avail)
	}
	return data[HeaderSize : HeaderSize+size], f, nil
}

// DecodeHeader parses the first HeaderSize bytes of data and returns the
// format and the payload length the data chunk declares. Bytes past the
// header are ignored.
func DecodeHeader(data []byte) (types.Format, int64, error) {
	if len(data) < HeaderSize {
		return types.Format{}, 0, fmt.Errorf("%w: %d bytes, need %d", ErrTruncatedHeader, len(data), HeaderSize)
	}

	if !bytes.Equal(data[0:4], tagRIFF) || !bytes.Equal(data[8:12], tagWAVE) {
		return types.Format{}, 0, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrUnrecognizedFormat)
	}
	if !bytes.Equal(data[12:16], tagFmt) || !bytes.Equal(data[36:40], tagData) {
		return types.Format{}, 0, fmt.Errorf("%w: non-canonical chunk layout", ErrUnrecognizedFormat)
	}
	if tag := binary.LittleEndian.Uint16(data[20:22]); tag != formatPCM {
		return types.Format{}, 0, fmt.Errorf("%w: format tag %d", ErrUnrecognizedFormat, tag)
	}

	f := types.Format{
		Channels:   int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(data[24:28])),
		BitDepth:   int(binary.LittleEndian.Uint16(data[34:36])),
	}
	if err := Validate(f); err != nil {
		return types.Format{}, 0, err
	}
	return f, int64(binary.LittleEndian.Uint32(data[40:44])), nil
}
