package flush

import (
	"bytes"
	"unicode/utf8"
)

// Normalizer rewrites artifact content before it is compared and written.
type Normalizer interface {
	Normalize(content []byte) []byte
}

// TrailingNewline ends text content with exactly one "\n". Trailing "\r" and
// "\n" bytes are collapsed; empty content and binary content pass through.
type TrailingNewline struct{}

func (TrailingNewline) Normalize(content []byte) []byte {
	if len(content) == 0 || !IsText(content) {
		return content
	}
	trimmed := bytes.TrimRight(content, "\r\n")
	out := make([]byte, 0, len(trimmed)+1)
	out = append(out, trimmed...)
	return append(out, '\n')
}

// Raw leaves content untouched.
type Raw struct{}

func (Raw) Normalize(content []byte) []byte { return content }

// IsText reports whether content looks like text: valid UTF-8 with no NUL
// bytes.
func IsText(content []byte) bool {
	return utf8.Valid(content) && bytes.IndexByte(content, 0) < 0
}
