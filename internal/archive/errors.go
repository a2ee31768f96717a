package archive

import (
	"errors"
	"fmt"
)

// ErrLocked marks a destination held open by another process. It is the only
// error the builder retries.
var ErrLocked = errors.New("destination is locked")

// LockContentionError is returned when the destination stayed locked for
// every attempt. It is fatal to the build.
type LockContentionError struct {
	Path     string
	Attempts int
	Last     error
}

func (e *LockContentionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("archive %s: still locked after %d attempts: %v", e.Path, e.Attempts, e.Last)
}

func (e *LockContentionError) Unwrap() error { return e.Last }

// SecondaryCopyError reports a failed copy of a finished archive. It is a
// warning: the primary archive is already in place.
type SecondaryCopyError struct {
	Source      string
	Destination string
	Err         error
}

func (e *SecondaryCopyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("copy %s to %s: %v", e.Source, e.Destination, e.Err)
}

func (e *SecondaryCopyError) Unwrap() error { return e.Err }
