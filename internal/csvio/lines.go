package csvio

import (
	"bufio"
	"io"
	"strings"
)

// headerPrefixes and headerMarkers identify the column-name rows produced by
// the polygon, layer and yield-table formats.
var (
	headerPrefixes = []string{"FEATURE", "TABLE", "POLYGON"}
	headerMarkers  = []string{"LAYER_ID", "SPECIES_CODE"}
)

// IsHeaderLine reports whether line looks like a CSV header row. Blank lines
// are reported as headers so callers never treat them as data.
func IsHeaderLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	upper := strings.ToUpper(strings.TrimLeft(trimmed, `"`))
	for _, p := range headerPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, m := range headerMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// FirstField returns the primary key of a data line: the first
// comma-separated field with whitespace and surrounding quotes removed.
func FirstField(line string) string {
	if i := strings.IndexByte(line, ','); i >= 0 {
		line = line[:i]
	}
	return strings.Trim(strings.TrimSpace(line), `"`)
}

// Line is one physical line read by LineReader.
type Line struct {
	// Text is the line without its terminator.
	Text string
	// Offset is the byte position of the first byte of the line.
	Offset int64
	// Size is the number of bytes consumed, terminator included.
	Size int64
	// Number is the 1-based physical line number.
	Number int
}

// LineReader reads newline-terminated lines while tracking byte offsets.
// Lines of any length are supported; a trailing "\r" is dropped from Text.
type LineReader struct {
	br     *bufio.Reader
	offset int64
	number int
}

// NewLineReader wraps r with a 64KB buffer.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next line. It returns io.EOF once the stream is exhausted;
// a final line without a terminator is returned before io.EOF.
func (lr *LineReader) Next() (Line, error) {
	raw, err := lr.br.ReadString('\n')
	if len(raw) == 0 {
		if err == nil {
			err = io.EOF
		}
		return Line{}, err
	}
	if err != nil && err != io.EOF {
		return Line{}, err
	}

	lr.number++
	ln := Line{
		Text:   strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r"),
		Offset: lr.offset,
		Size:   int64(len(raw)),
		Number: lr.number,
	}
	lr.offset += ln.Size
	return ln, nil
}

// Blank reports whether the line has no content.
func (l Line) Blank() bool {
	return strings.TrimSpace(l.Text) == ""
}
