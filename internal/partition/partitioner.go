// Package partition splits a polygon file and its dependent layer file into
// N balanced, key-coherent partitions on disk.
//
// The polygon file is read twice: once to count keyed rows and once to route
// them. The layer file is read once and routed through the key map built by
// the second polygon pass, so a layer row always lands beside its polygon.
package partition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/csvio"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

const (
	maxOrphanSamples = 10
	ctxCheckInterval = 4096
	writeBufferSize  = 64 * 1024
)

// Assignment describes one partition produced by the partitioner.
type Assignment struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	InputDir  string `json:"inputDir"`
	OutputDir string `json:"outputDir"`
	Quota     int64  `json:"quota"`
	Polygons  int64  `json:"polygons"`
	Layers    int64  `json:"layers"`
}

// Result summarizes a partitioning run.
type Result struct {
	Assignments   []Assignment `json:"assignments"`
	TotalPolygons int64        `json:"totalPolygons"`
	TotalLayers   int64        `json:"totalLayers"`
	Orphans       int64        `json:"orphans"`
	OrphanSamples []string     `json:"orphanSamples,omitempty"`
}

// Partitioner writes partition directories under a job base directory.
type Partitioner struct {
	baseDir    string
	partitions int
	logger     *slog.Logger
}

// New returns a partitioner for n partitions under baseDir.
func New(baseDir string, n int, logger *slog.Logger) (*Partitioner, error) {
	if n <= 0 {
		return nil, fault.Newf(fault.CategoryConfig, "partition", "partition count must be positive, got %d", n)
	}
	if baseDir == "" {
		return nil, fault.Newf(fault.CategoryConfig, "partition", "base directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Partitioner{baseDir: baseDir, partitions: n, logger: logger}, nil
}

// Partition splits polygonPath and layerPath. Rows keep their original
// relative order within each partition. Empty input or input without any
// keyed row is a config fault.
func (p *Partitioner) Partition(ctx context.Context, polygonPath, layerPath string) (Result, error) {
	start := time.Now()

	total, err := p.countKeys(ctx, polygonPath)
	if err != nil {
		return Result{}, err
	}
	if total == 0 {
		return Result{}, fault.Newf(fault.CategoryConfig, "partition", "polygon file %s has no keyed records", polygonPath)
	}

	res := Result{TotalPolygons: total}
	quotas := Quotas(total, p.partitions)
	res.Assignments = make([]Assignment, p.partitions)
	for i := range res.Assignments {
		res.Assignments[i] = Assignment{
			Index:     i,
			Name:      Name(i),
			InputDir:  InputDir(p.baseDir, i),
			OutputDir: OutputDir(p.baseDir, i),
			Quota:     quotas[i],
		}
		if err := os.MkdirAll(res.Assignments[i].InputDir, 0o755); err != nil {
			return Result{}, fault.New(fault.CategoryConfig, "create partition dir", err)
		}
		if err := os.MkdirAll(res.Assignments[i].OutputDir, 0o755); err != nil {
			return Result{}, fault.New(fault.CategoryConfig, "create partition dir", err)
		}
	}

	owner, err := p.routePolygons(ctx, polygonPath, res.Assignments)
	if err != nil {
		return Result{}, err
	}
	if err := p.routeLayers(ctx, layerPath, owner, &res); err != nil {
		return Result{}, err
	}

	if res.Orphans > 0 {
		p.logger.Warn("dropped layer rows without polygon",
			"orphans", res.Orphans,
			"sample_keys", res.OrphanSamples,
		)
	}
	for _, a := range res.Assignments {
		p.logger.Debug("partition written",
			"partition", a.Name,
			"polygons", a.Polygons,
			"layers", a.Layers,
		)
	}
	p.logger.Info("partitioning complete",
		"partitions", p.partitions,
		"polygons", res.TotalPolygons,
		"layers", res.TotalLayers,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// countKeys is pass 1.
func (p *Partitioner) countKeys(ctx context.Context, path string) (int64, error) {
	var n int64
	err := scanData(ctx, path, func(_ csvio.Line, key string) error {
		if key != "" {
			n++
		}
		return nil
	})
	return n, err
}

// routePolygons is pass 2: contiguous quota fill with a key→partition map.
func (p *Partitioner) routePolygons(ctx context.Context, path string, as []Assignment) (map[string]int, error) {
	writers, err := openWriters(as, PolygonFile)
	if err != nil {
		return nil, err
	}
	defer writers.close()

	owner := make(map[string]int)
	cur := 0
	err = scanData(ctx, path, func(ln csvio.Line, key string) error {
		if key == "" {
			return nil
		}
		idx, seen := owner[key]
		if !seen {
			for cur < len(as)-1 && as[cur].Polygons >= as[cur].Quota {
				cur++
			}
			idx = cur
			owner[key] = idx
		}
		as[idx].Polygons++
		return writers.write(idx, ln.Text)
	})
	if err != nil {
		return nil, err
	}
	if err := writers.close(); err != nil {
		return nil, err
	}
	return owner, nil
}

// routeLayers is pass 3.
func (p *Partitioner) routeLayers(ctx context.Context, path string, owner map[string]int, res *Result) error {
	writers, err := openWriters(res.Assignments, LayerFile)
	if err != nil {
		return err
	}
	defer writers.close()

	err = scanData(ctx, path, func(ln csvio.Line, key string) error {
		idx, ok := owner[key]
		if key == "" || !ok {
			res.Orphans++
			if key != "" && len(res.OrphanSamples) < maxOrphanSamples {
				res.OrphanSamples = append(res.OrphanSamples, key)
			}
			return nil
		}
		res.Assignments[idx].Layers++
		res.TotalLayers++
		return writers.write(idx, ln.Text)
	})
	if err != nil {
		return err
	}
	return writers.close()
}

// scanData calls fn for every data line of the file at path. A header on the
// first non-blank line and all blank lines are skipped.
func scanData(ctx context.Context, path string, fn func(ln csvio.Line, key string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fault.New(fault.CategoryConfig, "open input", err)
	}
	defer f.Close()

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	lr := csvio.NewLineReader(csvio.Wrap(f, size))
	first := true
	for {
		ln, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fault.New(fault.CategoryDataRead, "read input", fmt.Errorf("%s line %d: %w", path, ln.Number, err))
		}
		if ln.Number%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
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
		if err := fn(ln, csvio.FirstField(ln.Text)); err != nil {
			return err
		}
	}
}

type writerSet struct {
	files  []*os.File
	bufs   []*bufio.Writer
	closed bool
}

func openWriters(as []Assignment, name string) (*writerSet, error) {
	ws := &writerSet{}
	for _, a := range as {
		f, err := os.Create(filepath.Join(a.InputDir, name))
		if err != nil {
			ws.close()
			return nil, fault.New(fault.CategoryConfig, "create partition file", err)
		}
		ws.files = append(ws.files, f)
		ws.bufs = append(ws.bufs, bufio.NewWriterSize(f, writeBufferSize))
	}
	return ws, nil
}

func (ws *writerSet) write(i int, line string) error {
	w := ws.bufs[i]
	if _, err := w.WriteString(line); err != nil {
		return fault.New(fault.CategoryTransientIO, "write partition file", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fault.New(fault.CategoryTransientIO, "write partition file", err)
	}
	return nil
}

// close flushes and closes every file. It is safe to call more than once;
// only the first call does work and reports the first error.
func (ws *writerSet) close() error {
	if ws.closed {
		return nil
	}
	ws.closed = true

	var firstErr error
	for i, f := range ws.files {
		if err := ws.bufs[i].Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fault.New(fault.CategoryTransientIO, "close partition file", firstErr)
	}
	return nil
}
