// Package chunk turns a partition's input files into a sequence of bounded
// chunk descriptors.
//
// Opening a Reader builds a byte-offset Index of both files. Each Read
// returns the next Descriptor: byte ranges covering up to chunkSize polygon
// records and exactly the layer records that belong to them. Descriptors are
// consumed through OpenSection, so no record content is held between chunks.
package chunk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
)

var (
	ErrExhausted = errors.New("chunk reader exhausted")
	ErrNotOpened = errors.New("chunk reader not opened")
	ErrClosed    = errors.New("chunk reader closed")
)

// Descriptor identifies one chunk by byte ranges in the partition files.
type Descriptor struct {
	Partition string
	BaseDir   string
	Sequence  int

	PolygonOffset int64
	PolygonLength int64
	PolygonCount  int

	LayerOffset int64
	LayerLength int64
	LayerCount  int

	FirstKey string
	LastKey  string
}

// PolygonPath is the polygon file the descriptor points into.
func (d Descriptor) PolygonPath() string {
	return filepath.Join(d.BaseDir, partition.PolygonFile)
}

// LayerPath is the layer file the descriptor points into.
func (d Descriptor) LayerPath() string {
	return filepath.Join(d.BaseDir, partition.LayerFile)
}

type state int

const (
	stateUnopened state = iota
	stateOpened
	stateExhausted
	stateClosed
)

// Reader yields descriptors for one partition. It is not safe for concurrent
// use; each partition worker owns its reader.
type Reader struct {
	partition string
	dir       string
	chunkSize int

	state state
	index *Index
	next  int
	seq   int
}

// NewReader creates a reader over the input directory of one partition.
func NewReader(partitionName, dir string, chunkSize int) (*Reader, error) {
	if chunkSize <= 0 {
		return nil, fault.Newf(fault.CategoryConfig, "chunk reader", "chunk size must be positive, got %d", chunkSize)
	}
	return &Reader{partition: partitionName, dir: dir, chunkSize: chunkSize}, nil
}

// Open validates the partition directory and builds the index. A missing
// directory is a reader-open fault that is neither retryable nor skippable.
func (r *Reader) Open() error {
	switch r.state {
	case stateClosed:
		return ErrClosed
	case stateOpened, stateExhausted:
		return nil
	}

	st, err := os.Stat(r.dir)
	if err != nil {
		return fault.Tagged(fault.CategoryReaderOpen, false, false, "open partition", err)
	}
	if !st.IsDir() {
		return fault.Tagged(fault.CategoryReaderOpen, false, false, "open partition",
			errors.New(r.dir+" is not a directory"))
	}

	idx, err := BuildIndex(filepath.Join(r.dir, partition.PolygonFile), filepath.Join(r.dir, partition.LayerFile))
	if err != nil {
		return err
	}
	r.index = idx
	r.state = stateOpened
	if idx.Polygons() == 0 {
		r.state = stateExhausted
	}
	return nil
}

// Read returns the next descriptor, or ErrExhausted after the last one.
func (r *Reader) Read() (Descriptor, error) {
	switch r.state {
	case stateUnopened:
		return Descriptor{}, ErrNotOpened
	case stateClosed:
		return Descriptor{}, ErrClosed
	case stateExhausted:
		return Descriptor{}, ErrExhausted
	}

	x := r.index
	from := r.next
	to := min(from+r.chunkSize, x.Polygons())
	first, last := x.polygons[from], x.polygons[to-1]

	d := Descriptor{
		Partition:     r.partition,
		BaseDir:       r.dir,
		Sequence:      r.seq,
		PolygonOffset: first.offset,
		PolygonLength: last.end() - first.offset,
		PolygonCount:  to - from,
		FirstKey:      first.key,
		LastKey:       last.key,
	}

	ls, le := x.LayerSpan(from, to)
	if le > ls {
		d.LayerOffset = x.layers[ls].offset
		d.LayerLength = x.layers[le-1].end() - d.LayerOffset
		d.LayerCount = le - ls
	}

	r.next = to
	r.seq++
	if r.next >= x.Polygons() {
		r.state = stateExhausted
	}
	return d, nil
}

// Total returns the number of polygon records in the partition, or 0 before
// Open.
func (r *Reader) Total() int {
	if r.index == nil {
		return 0
	}
	return r.index.Polygons()
}

// Close releases the index. It is safe to call more than once.
func (r *Reader) Close() error {
	r.state = stateClosed
	r.index = nil
	return nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionReadCloser) Close() error { return s.f.Close() }

// OpenSection returns a reader over exactly length bytes of path starting at
// offset. A zero length yields an empty reader without opening the file.
func OpenSection(path string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.New(fault.CategoryTransientIO, "open chunk section", err)
	}
	return sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}
