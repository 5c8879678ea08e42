package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/JonMunkholm/vdyp-batch/internal/csvio"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// record locates one data line in a partition file.
type record struct {
	offset int64
	size   int64
	key    string
}

func (r record) end() int64 { return r.offset + r.size }

// Index holds byte offsets and keys for the polygon and layer files of one
// partition. Line content is never retained.
type Index struct {
	polygons []record
	layers   []record
	// layerPoly[i] is the polygon index owning layers[i]; non-decreasing.
	layerPoly []int
}

// BuildIndex scans both files once. Layer rows whose key has no polygon are
// ignored. Layer rows must be grouped in the same key order as the polygon
// rows; otherwise a data-order fault is returned.
func BuildIndex(polygonPath, layerPath string) (*Index, error) {
	polys, err := scanRecords(polygonPath)
	if err != nil {
		return nil, err
	}

	owner := make(map[string]int, len(polys))
	for i, p := range polys {
		if _, ok := owner[p.key]; !ok {
			owner[p.key] = i
		}
	}

	layers, err := scanRecords(layerPath)
	if err != nil {
		return nil, err
	}

	idx := &Index{polygons: polys}
	last := -1
	for _, l := range layers {
		p, ok := owner[l.key]
		if !ok {
			continue
		}
		if p < last {
			return nil, fault.Newf(fault.CategoryDataOrder, "build chunk index",
				"layer key %q at byte %d follows key %q; layers must be grouped in polygon order",
				l.key, l.offset, polys[last].key).WithKey(l.key)
		}
		last = p
		idx.layers = append(idx.layers, l)
		idx.layerPoly = append(idx.layerPoly, p)
	}
	return idx, nil
}

// Polygons returns the number of indexed polygon records.
func (x *Index) Polygons() int { return len(x.polygons) }

// Layers returns the number of indexed layer records.
func (x *Index) Layers() int { return len(x.layers) }

// LayerSpan returns the half-open range of layer records owned by polygons
// [from, to).
func (x *Index) LayerSpan(from, to int) (start, end int) {
	start = sort.SearchInts(x.layerPoly, from)
	end = sort.SearchInts(x.layerPoly, to)
	return start, end
}

func scanRecords(path string) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.New(fault.CategoryReaderOpen, "open partition file", err)
	}
	defer f.Close()

	var out []record
	lr := csvio.NewLineReader(f)
	first := true
	for {
		ln, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fault.New(fault.CategoryDataRead, "index partition file", fmt.Errorf("%s: %w", path, err))
		}
		if ln.Blank() {
			continue
		}
		if first {
			first = false
			if csvio.IsHeaderLine(ln.Text) {
				continue
			}
		}
		out = append(out, record{offset: ln.Offset, size: ln.Size, key: csvio.FirstField(ln.Text)})
	}
}
