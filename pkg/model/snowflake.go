package model

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DiscordEpoch is the Discord snowflake epoch (2015-01-01T00:00:00Z) in
// milliseconds since the Unix epoch.
const DiscordEpoch int64 = 1420070400000

// Snowflake is a Discord-assigned 64-bit unsigned identifier. Larger values
// correspond to later creation times. The zero value means "absent".
//
// Snowflakes cross JSON as decimal strings (they exceed the 53-bit integer
// range JavaScript handles losslessly) and are stored in SQL as BIGINT via
// two's-complement reinterpretation.
type Snowflake uint64

// ParseSnowflake parses a decimal snowflake string.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

// String returns the decimal form.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// IsZero reports whether the snowflake is absent.
func (s Snowflake) IsZero() bool {
	return s == 0
}

// Time returns the creation time encoded in the snowflake.
func (s Snowflake) Time() time.Time {
	return time.UnixMilli(int64(s>>22) + DiscordEpoch)
}

// MarshalJSON encodes the snowflake as a decimal string, or null when absent.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	if s == 0 {
		return []byte("null"), nil
	}
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string, a bare integer, or null.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" || raw == "" {
		*s = 0
		return nil
	}
	v, err := ParseSnowflake(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer. Snowflakes above 1<<63 wrap into negative
// BIGINTs; Scan reverses the reinterpretation.
func (s Snowflake) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan implements sql.Scanner.
func (s *Snowflake) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = 0
	case int64:
		*s = Snowflake(v)
	case []byte:
		parsed, err := ParseSnowflake(string(v))
		if err != nil {
			return err
		}
		*s = parsed
	case string:
		parsed, err := ParseSnowflake(v)
		if err != nil {
			return err
		}
		*s = parsed
	default:
		return fmt.Errorf("cannot scan %T into Snowflake", src)
	}
	return nil
}
