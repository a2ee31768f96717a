package staging

import (
	"fmt"
	"strings"
)

// Mode selects how a write combines with an already staged artifact.
type Mode int

const (
	// Append is the default. Structured content is deep-merged; text is
	// stored as incoming content followed by the existing content.
	Append Mode = iota
	// Overwrite replaces the staged artifact.
	Overwrite
	// Prepend deep-merges structured content; text is stored as the existing
	// content followed by the incoming content.
	Prepend
)

func (m Mode) String() string {
	switch m {
	case Append:
		return "append"
	case Overwrite:
		return "overwrite"
	case Prepend:
		return "prepend"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool {
	switch m {
	case Append, Overwrite, Prepend:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode name. Empty means Append.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "append":
		return Append, nil
	case "overwrite":
		return Overwrite, nil
	case "prepend":
		return Prepend, nil
	default:
		return 0, fmt.Errorf("invalid write mode %q (expected append|overwrite|prepend)", raw)
	}
}
