package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Stamp is the fixed timestamp every entry of one archive carries, in UTC at
// zip (two-second) resolution.
type Stamp struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// StampFromTime reduces t to a Stamp. Years outside the zip range
// 1980..2107 are clamped.
func StampFromTime(t time.Time) Stamp {
	t = t.UTC()
	switch {
	case t.Year() < 1980:
		return Stamp{Year: 1980, Month: 1, Day: 1}
	case t.Year() > 2107:
		return Stamp{Year: 2107, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 58}
	}
	return Stamp{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second() &^ 1,
	}
}

// Time returns the stamp as a UTC time.
func (s Stamp) Time() time.Time {
	return time.Date(s.Year, time.Month(s.Month), s.Day, s.Hour, s.Minute, s.Second, 0, time.UTC)
}

func (s Stamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ", s.Year, s.Month, s.Day, s.Hour, s.Minute, s.Second)
}

// dos returns the MS-DOS date and time fields.
func (s Stamp) dos() (date, clock uint16) {
	date = uint16(s.Day + s.Month<<5 + (s.Year-1980)<<9)
	clock = uint16(s.Second/2 + s.Minute<<5 + s.Hour<<11)
	return date, clock
}

// stampSource says where a Stamp came from, for logging.
type stampSource string

const (
	fromMarker   stampSource = "marker"
	fromMetadata stampSource = "metadata"
	fromClock    stampSource = "clock"
)

// resolveStamp picks the modification time of the first present marker under
// dir, else of the metadata file, else now.
func resolveStamp(dir string, markers []string, metadata string, now func() time.Time) (Stamp, stampSource, error) {
	for _, m := range markers {
		t, ok, err := modTime(filepath.Join(dir, filepath.FromSlash(m)))
		if err != nil {
			return Stamp{}, "", err
		}
		if ok {
			return StampFromTime(t), fromMarker, nil
		}
	}
	if metadata != "" {
		t, ok, err := modTime(filepath.Join(dir, filepath.FromSlash(metadata)))
		if err != nil {
			return Stamp{}, "", err
		}
		if ok {
			return StampFromTime(t), fromMetadata, nil
		}
	}
	return StampFromTime(now()), fromClock, nil
}

func modTime(p string) (time.Time, bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}
