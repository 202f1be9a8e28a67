package template

import "strings"

// Reader is a cursor over a template's source text that tracks the current
// line number. Offsets passed to and returned from its methods are relative
// to the current position.
type Reader struct {
	name string
	text string
	pos  int
	line int
}

// NewReader returns a Reader positioned at the start of text.
func NewReader(name, text string) *Reader {
	return &Reader{name: name, text: text, line: 1}
}

// Name is the name of the template being read.
func (r *Reader) Name() string { return r.name }

// Line is 1 plus the number of newlines consumed so far.
func (r *Reader) Line() int { return r.line }

// Find returns the offset of needle at or after start, or -1.
func (r *Reader) Find(needle string, start int) int {
	return r.FindIn(needle, start, r.Remaining())
}

// FindIn is like Find but only matches needle entirely before end.
func (r *Reader) FindIn(needle string, start, end int) int {
	if start < 0 || end < start {
		panic("template: invalid Reader.FindIn range")
	}
	lo, hi := r.pos+start, min(r.pos+end, len(r.text))
	if lo > hi {
		return -1
	}
	i := strings.Index(r.text[lo:hi], needle)
	if i == -1 {
		return -1
	}
	return i + start
}

// Consume advances by n bytes and returns them.
func (r *Reader) Consume(n int) string {
	newpos := min(r.pos+n, len(r.text))
	s := r.text[r.pos:newpos]
	r.line += strings.Count(s, "\n")
	r.pos = newpos
	return s
}

// ConsumeRest consumes everything that remains.
func (r *Reader) ConsumeRest() string {
	return r.Consume(r.Remaining())
}

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.text) - r.pos }

// At returns the byte at offset i from the current position.
func (r *Reader) At(i int) byte { return r.text[r.pos+i] }

func (r *Reader) String() string { return r.text[r.pos:] }
