package device

import (
	"errors"
	"fmt"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the comparison form used across the
// module: lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs built on the
// Bluetooth SIG base (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their
// 16-bit short form. Returns "" when the input is not hexadecimal.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return ""
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}
	switch len(s) {
	case 4, 8:
		return s
	case 32:
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	default:
		return ""
	}
}

// EqualUUID compares two UUIDs in any accepted notation.
func EqualUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ValidateUUID normalizes every entry of a user supplied UUID list. An empty
// list or an entry NormalizeUUID rejects is an error naming its position.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, errors.New("no UUID given")
	}
	out := make([]string, len(uuids))
	for i, raw := range uuids {
		if out[i] = NormalizeUUID(raw); out[i] == "" {
			return nil, fmt.Errorf("bad UUID %q at index %d", raw, i)
		}
	}
	return out, nil
}
