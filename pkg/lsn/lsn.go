// Package lsn implements the log sequence number used to order changes in
// the server write-ahead log.
//
// An LSN is a pair of 32-bit numbers rendered on the wire as "MAJOR/MINOR"
// in uppercase hex without leading zeros (for example "0/C" or "1F/3A0").
// LSNs are compared lexicographically on (major, minor) and are
// monotonically non-decreasing along the log. The zero value is the
// sentinel "0/0", meaning "no position": a replica announcing 0/0 has
// never synced and receives a full snapshot.
package lsn

import (
	"fmt"
	"strconv"
	"strings"
)

// Zero is the sentinel position before the start of the log.
var Zero = LSN{}

// LSN identifies a position in the server write-ahead log.
type LSN struct {
	Major uint32
	Minor uint32
}

// Parse decodes the canonical "MAJOR/MINOR" hex-pair form.
//
// The string must contain exactly one '/', and each half must be a valid
// hex number fitting in 32 bits. The empty string is rejected; use Zero
// explicitly for the sentinel.
func Parse(s string) (LSN, error) {
	major, minor, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(minor, "/") {
		return LSN{}, fmt.Errorf("invalid LSN %q: expected exactly one '/'", s)
	}

	hi, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return LSN{}, fmt.Errorf("invalid LSN %q: bad major half: %w", s, err)
	}
	lo, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return LSN{}, fmt.Errorf("invalid LSN %q: bad minor half: %w", s, err)
	}

	return LSN{Major: uint32(hi), Minor: uint32(lo)}, nil
}

// MustParse parses s and panics on error. For tests and constants.
func MustParse(s string) LSN {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Compare returns -1, 0, or 1 ordering a against b lexicographically on
// (major, minor).
func Compare(a, b LSN) int {
	switch {
	case a.Major < b.Major:
		return -1
	case a.Major > b.Major:
		return 1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether l orders strictly before other.
func (l LSN) Less(other LSN) bool {
	return Compare(l, other) < 0
}

// After reports whether l orders strictly after other.
func (l LSN) After(other LSN) bool {
	return Compare(l, other) > 0
}

// IsZero reports whether l is the 0/0 sentinel.
func (l LSN) IsZero() bool {
	return l == Zero
}

// Next returns the position immediately after l. The minor half carries
// into the major half on overflow.
func (l LSN) Next() LSN {
	if l.Minor == ^uint32(0) {
		return LSN{Major: l.Major + 1, Minor: 0}
	}
	return LSN{Major: l.Major, Minor: l.Minor + 1}
}

// String renders the canonical wire form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.Major, l.Minor)
}

// MarshalText implements encoding.TextMarshaler so LSNs embed in JSON
// messages as their wire string.
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LSN) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Max returns the later of a and b.
func Max(a, b LSN) LSN {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
