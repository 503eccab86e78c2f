// Package types defines core domain types for the tapedeck ingestion service.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// Default audio format values. Devices stream signed 16-bit little-endian
// mono PCM; only the sample rate is configurable.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

// Format describes the PCM layout of an audio payload.
type Format struct {
	SampleRate int `msgpack:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
	Channels   int `msgpack:"channels" json:"channels" yaml:"channels"`
	BitDepth   int `msgpack:"bit_depth" json:"bit_depth" yaml:"bit_depth"`
}

// DefaultFormat returns mono 16-bit PCM at DefaultSampleRate.
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
	}
}

// WithSampleRate returns a copy of f with the given sample rate.
func (f Format) WithSampleRate(rate int) Format {
	f.SampleRate = rate
	return f
}

// BlockAlign returns the number of bytes per sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate returns the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the playback duration of n payload bytes.
// Returns zero for an invalid format.
func (f Format) Duration(n int64) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// String returns a MIME-like description, e.g. "audio/L16; rate=48000; channels=1".
func (f Format) String() string {
	return fmt.Sprintf("audio/L%d; rate=%d; channels=%d", f.BitDepth, f.SampleRate, f.Channels)
}
