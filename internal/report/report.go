// Package report records the logical outcome of a build: which artifacts were
// written, which stale files were removed, which archives were produced.
//
// Events carry no timestamps or error strings, so two builds over the same
// inputs produce byte-identical reports and the same report hash.
package report

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Kind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type Kind string

const (
	ArtifactWritten   Kind = "ArtifactWritten"
	ArtifactUnchanged Kind = "ArtifactUnchanged"
	StaleDeleted      Kind = "StaleDeleted"
	DirectoryRemoved  Kind = "DirectoryRemoved"
	ArchiveBuilt      Kind = "ArchiveBuilt"
	ArchiveRetried    Kind = "ArchiveRetried"
	CopyFailed        Kind = "CopyFailed"
)

// Event is one logical build decision.
type Event struct {
	Kind Kind
	// Path is the canonical path the event refers to.
	Path string
	// Detail is an optional stable value, e.g. an archive digest or the
	// copy destination that failed.
	Detail string
	// Count is optional (retry counts, entry counts).
	Count int
}

// Report is the canonical record of one build.
type Report struct {
	// Namespace labels the build; it is required.
	Namespace string
	Events    []Event
}

// Validate checks required fields.
func (r *Report) Validate() error {
	if r == nil {
		return errors.New("report is nil")
	}
	if r.Namespace == "" {
		return errors.New("namespace is required")
	}
	for i, e := range r.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Path == "" {
			return fmt.Errorf("events[%d].path is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts events by (path, kind order, detail, count).
func (r *Report) Canonicalize() {
	if r == nil {
		return
	}
	sort.SliceStable(r.Events, func(i, j int) bool {
		a, b := r.Events[i], r.Events[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if ka, kb := kindOrder(a.Kind), kindOrder(b.Kind); ka != kb {
			return ka < kb
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Detail != b.Detail {
			return a.Detail < b.Detail
		}
		return a.Count < b.Count
	})
}

func kindOrder(k Kind) int {
	switch k {
	case ArtifactUnchanged:
		return 10
	case ArtifactWritten:
		return 20
	case StaleDeleted:
		return 30
	case DirectoryRemoved:
		return 40
	case ArchiveRetried:
		return 50
	case ArchiveBuilt:
		return 60
	case CopyFailed:
		return 70
	default:
		return 1000
	}
}

// CanonicalJSON encodes a canonicalized copy of the report.
func (r Report) CanonicalJSON() ([]byte, error) {
	c := Report{Namespace: r.Namespace, Events: append([]Event(nil), r.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Hash returns the hex blake3 digest of the canonical JSON.
func (r Report) Hash() (string, error) {
	b, err := r.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"namespace":`)
	nb, _ := json.Marshal(r.Namespace)
	buf.Write(nb)
	buf.WriteString(`,"events":[`)
	for i := range r.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(r.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)
	buf.WriteString(`,"path":`)
	pb, _ := json.Marshal(e.Path)
	buf.Write(pb)
	if e.Detail != "" {
		buf.WriteString(`,"detail":`)
		db, _ := json.Marshal(e.Detail)
		buf.Write(db)
	}
	if e.Count != 0 {
		fmt.Fprintf(&buf, `,"count":%d`, e.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
