package artifact

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Extension is the file extension of every artifact.
const Extension = ".wav"

// timestampDigits is the fixed width of the epoch-millis field.
const timestampDigits = 13

// ErrMalformedName is returned by ParseName for names that do not follow
// the <deviceId>_<epochMillis>.wav layout.
var ErrMalformedName = errors.New("artifact: malformed name")

// Name returns "<escapedDeviceID>_<millis>.wav". The device id is escaped so
// it never contains the '_' delimiter and millis is zero-padded to a fixed
// width, which makes ParseName exact for any device id.
func Name(deviceID string, createdAt time.Time) string {
	return EscapeDeviceID(deviceID) + "_" + formatMillis(createdAt) + Extension
}

// ParseName recovers the device id and creation time from an artifact name.
// Leading directories are ignored.
func ParseName(name string) (deviceID string, createdAt time.Time, err error) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: %q: missing %s extension", ErrMalformedName, name, Extension)
	}

	i := strings.LastIndexByte(stem, '_')
	if i <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: %q: missing delimiter", ErrMalformedName, name)
	}

	createdAt, err = parseMillis(stem[i+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	deviceID, err = UnescapeDeviceID(stem[:i])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	return deviceID, createdAt, nil
}

// EscapeDeviceID percent-encodes every byte outside [A-Za-z0-9.-].
// The result is safe as a single path segment and never contains '_'.
func EscapeDeviceID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// UnescapeDeviceID reverses EscapeDeviceID.
func UnescapeDeviceID(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty device id")
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c != '%' && !isUnreserved(c) {
			return "", fmt.Errorf("unescaped byte %q in device id", c)
		}
	}
	return url.PathUnescape(s)
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '.'
}

// formatMillis renders t as zero-padded epoch milliseconds.
func formatMillis(t time.Time) string {
	return fmt.Sprintf("%0*d", timestampDigits, t.UnixMilli())
}

func parseMillis(s string) (time.Time, error) {
	if len(s) != timestampDigits {
		return time.Time{}, fmt.Errorf("timestamp %q is not %d digits", s, timestampDigits)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("timestamp %q is not a decimal", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}
