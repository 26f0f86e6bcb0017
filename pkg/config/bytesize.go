package config

import (
	"fmt"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
)

const megabyte = ByteSize(bytefmt.MEGABYTE)

// ByteSize is a size in bytes that can be configured as an integer or a
// human-readable string such as "1MB" or "512Ki".
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler, which is used by
// mapstructure.TextUnmarshallerHookFunc for file and environment values.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if num, err := strconv.ParseInt(s, 10, 64); err == nil {
		if num < 0 {
			return fmt.Errorf("negative byte size is not allowed: %d", num)
		}
		*b = ByteSize(num)
		return nil
	}

	for _, suffix := range [...]string{"Ki", "Mi", "Gi", "Ti"} {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-1]
			break
		}
	}

	num, err := bytefmt.ToBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", string(text), err)
	}
	*b = ByteSize(num)
	return nil
}

// String returns the human-readable form.
func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}
