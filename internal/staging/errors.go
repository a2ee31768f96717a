package staging

import (
	"errors"
	"fmt"
)

// ErrFormat classifies every FormatError for errors.Is checks.
var ErrFormat = errors.New("structured content format error")

// FormatError reports staged or incoming structured content that cannot be
// parsed, or two documents whose shapes cannot be merged. It is a data error:
// callers surface it instead of retrying.
type FormatError struct {
	Path string
	// Side is "existing", "incoming" or "merge".
	Side  string
	Cause error
}

func (e *FormatError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (%s): %v", ErrFormat.Error(), e.Path, e.Side, e.Cause)
}

func (e *FormatError) Unwrap() error { return e.Cause }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }
