package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary size units.
const (
	KB ByteSize = 1 << (10 * (iota + 1))
	MB
	GB
	TB
)

var byteUnits = []struct {
	size  ByteSize
	names []string
}{
	{TB, []string{"t", "tb", "tib"}},
	{GB, []string{"g", "gb", "gib"}},
	{MB, []string{"m", "mb", "mib"}},
	{KB, []string{"k", "kb", "kib"}},
	{1, []string{"b", "byte", "bytes"}},
}

var byteSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ByteSize is a size value that supports human-readable parsing.
// It extends standard integer sizes with support for units like KB, MB, GB.
//
// Examples:
//   - "5MB" = 5 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "500KB" = 500 * 1024 bytes
//   - "5242880" = 5242880 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	unit := strings.ToLower(m[2])
	if unit == "" {
		return ByteSize(value), nil
	}
	for _, u := range byteUnits {
		for _, name := range u.names {
			if name == unit {
				return ByteSize(value * float64(u.size)), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown byte size unit %q", m[2])
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as a number (bytes) for backwards compatibility
		var bytes int64
		if err := json.Unmarshal(data, &bytes); err != nil {
			return err
		}
		*b = ByteSize(bytes)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
// Outputs in the most human-readable format possible.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Int64 returns the size as int64 (alias for Bytes).
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String returns a human-readable string representation.
// Whole values print without decimals, e.g. "512MB".
func (b ByteSize) String() string {
	if b < 0 {
		return "-" + (-b).String()
	}
	for _, u := range byteUnits[:len(byteUnits)-1] {
		if b >= u.size {
			v := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 2, 64)
			v = strings.TrimSuffix(strings.TrimRight(v, "0"), ".")
			return v + strings.ToUpper(u.names[1])
		}
	}
	return strconv.FormatInt(int64(b), 10) + "B"
}
