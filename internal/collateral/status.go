package collateral

import "fmt"

// Status is the default-detection lattice of a collateral. Larger values are worse.
type Status uint8

const (
	Sound Status = iota
	Iffy
	Disabled
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Sound:
		return "SOUND"
	case Iffy:
		return "IFFY"
	case Disabled:
		return "DISABLED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the three defined statuses.
func (s Status) Valid() bool {
	return s <= Disabled
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "SOUND":
		return Sound, nil
	case "IFFY":
		return Iffy, nil
	case "DISABLED":
		return Disabled, nil
	}
	return 0, fmt.Errorf("unknown collateral status %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid collateral status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
