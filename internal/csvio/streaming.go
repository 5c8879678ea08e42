// Package csvio holds the line-level CSV plumbing shared by the partitioner,
// the chunk index and the result aggregator.
package csvio

// streaming.go provides constant-memory input wrappers for the raw polygon
// and layer files:
//
//   - BOMReader drops a leading UTF-8 byte order mark.
//   - Sanitizer replaces invalid UTF-8 bytes with '?' one for one, so byte
//     offsets computed downstream stay valid.
//   - CountingReader tracks bytes consumed for progress logging.
//
// Wrap applies all three in that order.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// BOMReader strips a UTF-8 byte order mark from the start of a stream.
type BOMReader struct {
	br      *bufio.Reader
	checked bool
}

// NewBOMReader wraps r. The BOM check is deferred to the first Read.
func NewBOMReader(r io.Reader) *BOMReader {
	return &BOMReader{br: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (r *BOMReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, _ := r.br.Peek(len(utf8BOM))
		if bytes.Equal(head, utf8BOM) {
			_, _ = r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// Sanitizer replaces bytes that are not part of a valid UTF-8 sequence with
// '?'. A multi-byte sequence split across reads is carried over to the next
// call instead of being treated as invalid.
type Sanitizer struct {
	r     io.Reader
	carry []byte
}

// NewSanitizer wraps r.
func NewSanitizer(r io.Reader) *Sanitizer {
	return &Sanitizer{r: r, carry: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := copy(p, s.carry)
	s.carry = s.carry[:copy(s.carry, s.carry[n:])]
	if len(s.carry) > 0 {
		return n, nil
	}

	m, err := s.r.Read(p[n:])
	n += m
	if n == 0 {
		return 0, err
	}

	buf := p[:n]
	if ascii(buf) {
		return n, err
	}

	atEOF := err == io.EOF
	if !atEOF {
		if tail := partialTail(buf); tail > 0 {
			s.carry = append(s.carry, buf[n-tail:]...)
			n -= tail
			buf = buf[:n]
			if n == 0 {
				// Only a partial rune arrived; ask the caller to read again.
				return 0, err
			}
		}
	}

	for i := 0; i < len(buf); {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			buf[i] = '?'
		}
		i += size
	}
	return n, err
}

func ascii(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// partialTail reports how many trailing bytes of b form the start of a
// multi-byte rune that has not been fully read yet.
func partialTail(b []byte) int {
	for back := 1; back <= utf8.UTFMax-1 && back <= len(b); back++ {
		c := b[len(b)-back]
		if c&0xC0 == 0x80 {
			continue
		}
		if c < 0xC0 {
			return 0
		}
		want := 2
		switch {
		case c >= 0xF0:
			want = 4
		case c >= 0xE0:
			want = 3
		}
		if back < want {
			return back
		}
		return 0
	}
	return 0
}

// CountingReader counts bytes read. Count may be called from another
// goroutine while reads are in progress.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, or 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes read so far.
func (c *CountingReader) Count() int64 {
	return c.n.Load()
}

// Percent returns read progress as 0-100, or 0 when the total is unknown.
func (c *CountingReader) Percent() int {
	if c.total <= 0 {
		return 0
	}
	p := int(c.n.Load() * 100 / c.total)
	if p > 100 {
		p = 100
	}
	return p
}

// Wrap applies BOM removal, UTF-8 repair and byte counting to r.
func Wrap(r io.Reader, total int64) *CountingReader {
	return NewCountingReader(NewSanitizer(NewBOMReader(r)), total)
}
