// Package aggregate merges the output fragments of every partition into one
// result archive.
//
// Partitions are visited in numeric order and fragments within a partition
// in file-name order, which is creation order. That fixed visiting order is
// what makes TABLE_NUM assignment reproduce the original record order no
// matter which partition finished first.
package aggregate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/JonMunkholm/vdyp-batch/internal/csvio"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

// Archive entry names.
const (
	YieldTableEntry = "YieldTable.csv"
	ReadmeEntry     = "README.txt"
)

const outputDirPrefix = "output-partition"

const placeholderReadme = "VDYP Batch Processing Results\n" +
	"No results were generated from this batch job.\n" +
	"This may indicate that no polygons were successfully processed.\n"

// Log categories in the order their merged files are written.
var logCategories = []string{"Error", "Progress", "Debug", "General"}

// Options configures an Aggregator.
type Options struct {
	// MinValidFileSize is the smallest fragment considered during header
	// recovery.
	MinValidFileSize int64
	Now              func() time.Time
	Logger           *slog.Logger
}

// Aggregator builds result archives.
type Aggregator struct {
	minValidFileSize int64
	now              func() time.Time
	logger           *slog.Logger
}

// New returns an Aggregator.
func New(opts Options) *Aggregator {
	a := &Aggregator{
		minValidFileSize: opts.MinValidFileSize,
		now:              opts.Now,
		logger:           opts.Logger,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Result describes a written archive.
type Result struct {
	ArchivePath     string `json:"archivePath"`
	Partitions      int    `json:"partitions"`
	YieldFragments  int    `json:"yieldFragments"`
	LogFragments    int    `json:"logFragments"`
	Tables          int    `json:"tables"`
	DroppedLines    int    `json:"droppedLines"`
	HeaderRecovered bool   `json:"headerRecovered"`
	Placeholder     bool   `json:"placeholder"`
}

type outputDir struct {
	path  string
	index int
	ok    bool
}

type fragments struct {
	yields []string
	logs   map[string][]string
}

// Aggregate writes vdyp-output-{timestamp}.zip into baseDir. Every failure is
// an aggregation fault.
func (a *Aggregator) Aggregate(ctx context.Context, baseDir string) (Result, error) {
	start := time.Now()

	st, err := os.Stat(baseDir)
	if err != nil {
		return Result{}, fault.New(fault.CategoryAggregation, "aggregate", err)
	}
	if !st.IsDir() {
		return Result{}, fault.Newf(fault.CategoryAggregation, "aggregate", "%s is not a directory", baseDir)
	}

	dirs, err := discover(baseDir)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ArchivePath: filepath.Join(baseDir, fmt.Sprintf("vdyp-output-%s.zip", partition.Timestamp(a.now()))),
		Partitions:  len(dirs),
	}

	if len(dirs) == 0 {
		a.logger.Warn("no partition output directories found", "base_dir", baseDir)
		if err := writePlaceholder(res.ArchivePath); err != nil {
			return Result{}, err
		}
		res.Placeholder = true
		return res, nil
	}

	frags, err := collect(dirs)
	if err != nil {
		return Result{}, err
	}
	res.YieldFragments = len(frags.yields)
	for _, l := range frags.logs {
		res.LogFragments += len(l)
	}

	if err := a.writeArchive(ctx, baseDir, dirs, frags, &res); err != nil {
		_ = os.Remove(res.ArchivePath)
		return Result{}, err
	}

	a.logger.Info("aggregation complete",
		"archive", filepath.Base(res.ArchivePath),
		"partitions", res.Partitions,
		"yield_fragments", res.YieldFragments,
		"log_fragments", res.LogFragments,
		"tables", res.Tables,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (a *Aggregator) writeArchive(ctx context.Context, baseDir string, dirs []outputDir, frags fragments, res *Result) error {
	f, err := os.Create(res.ArchivePath)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "create archive", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	if err := a.mergeYields(ctx, baseDir, dirs, frags.yields, zw, res); err != nil {
		zw.Close()
		return err
	}
	if err := a.mergeLogs(ctx, frags.logs, zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fault.New(fault.CategoryAggregation, "finish archive", err)
	}
	if err := f.Close(); err != nil {
		return fault.New(fault.CategoryAggregation, "finish archive", err)
	}
	return nil
}

// mergeYields streams all yield fragments through the TABLE_NUM assigner into
// a temp file, then writes the header followed by the merged rows as the
// YieldTable.csv entry.
func (a *Aggregator) mergeYields(ctx context.Context, baseDir string, dirs []outputDir, paths []string, zw *zip.Writer, res *Result) error {
	tmp, err := os.CreateTemp(baseDir, "yield-merge-*.tmp")
	if err != nil {
		return fault.New(fault.CategoryAggregation, "create merge file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	assigner := NewTableNumberAssigner()
	header := ""

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, dropped, err := a.mergeFragment(p, assigner, bw, header == "")
		if err != nil {
			return err
		}
		if header == "" {
			header = h
		}
		res.DroppedLines += dropped
	}
	if err := bw.Flush(); err != nil {
		return fault.New(fault.CategoryAggregation, "write merge file", err)
	}

	if header == "" {
		header = a.recoverHeader(dirs)
		if header != "" {
			res.HeaderRecovered = true
			a.logger.Info("recovered yield table header from partition output")
		} else {
			a.logger.Warn("no yield table header found; YieldTable.csv has no header")
		}
	}

	w, err := zw.Create(YieldTableEntry)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "write archive entry", err)
	}
	if header != "" {
		if _, err := io.WriteString(w, header+"\n"); err != nil {
			return fault.New(fault.CategoryAggregation, "write archive entry", err)
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fault.New(fault.CategoryAggregation, "read merge file", err)
	}
	if _, err := io.Copy(w, tmp); err != nil {
		return fault.New(fault.CategoryAggregation, "write archive entry", err)
	}

	res.Tables = assigner.Unique()
	return nil
}

// mergeFragment copies one fragment's data rows to w. Blank lines are
// skipped. The first non-blank line is returned as header when it is one; a
// header is never written as data.
func (a *Aggregator) mergeFragment(path string, assigner *TableNumberAssigner, w *bufio.Writer, wantHeader bool) (header string, dropped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		a.logger.Warn("yield fragment not readable", "file", path, "error", err)
		return "", 0, nil
	}
	defer f.Close()

	lr := csvio.NewLineReader(csvio.NewBOMReader(f))
	first := true
	for {
		ln, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return header, dropped, nil
		}
		if err != nil {
			return "", dropped, fault.New(fault.CategoryAggregation, "read yield fragment", fmt.Errorf("%s: %w", path, err))
		}

		if ln.Blank() {
			continue
		}
		candidate := first
		first = false
		if candidate && csvio.IsHeaderLine(ln.Text) {
			if wantHeader {
				header = ln.Text
			}
			continue
		}

		out, keep, err := assigner.Assign(ln.Text)
		if err != nil {
			return "", dropped, fault.New(fault.CategoryAggregation, "assign TABLE_NUM", err)
		}
		if !keep {
			dropped++
			a.logger.Warn("dropping yield row without FEATURE_ID", "file", filepath.Base(path), "line", ln.Number)
			continue
		}
		if _, err := w.WriteString(out); err != nil {
			return "", dropped, fault.New(fault.CategoryAggregation, "write merge file", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return "", dropped, fault.New(fault.CategoryAggregation, "write merge file", err)
		}
	}
}

// recoverHeader returns the first non-blank line of the first sufficiently
// large yield fragment whose first non-blank line is a header, or "".
func (a *Aggregator) recoverHeader(dirs []outputDir) string {
	for _, d := range dirs {
		names, err := listFiles(d.path)
		if err != nil {
			a.logger.Warn("header search failed", "dir", d.path, "error", err)
			continue
		}
		for _, name := range names {
			if !isYieldFile(name) {
				continue
			}
			path := filepath.Join(d.path, name)
			st, err := os.Stat(path)
			if err != nil || st.Size() < a.minValidFileSize {
				continue
			}
			if h := firstLineHeader(path); h != "" {
				return h
			}
		}
	}
	return ""
}

func firstLineHeader(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	lr := csvio.NewLineReader(csvio.NewBOMReader(f))
	for {
		ln, err := lr.Next()
		if err != nil {
			return ""
		}
		if ln.Blank() {
			continue
		}
		if !csvio.IsHeaderLine(ln.Text) {
			return ""
		}
		return ln.Text
	}
}

// mergeLogs writes one {Category}Log.txt entry per category present. Every
// fragment except Error ones is followed by a newline separator.
func (a *Aggregator) mergeLogs(ctx context.Context, logs map[string][]string, zw *zip.Writer) error {
	for _, category := range logCategories {
		paths := logs[category]
		if len(paths) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		w, err := zw.Create(category + "Log.txt")
		if err != nil {
			return fault.New(fault.CategoryAggregation, "write archive entry", err)
		}

		failed := 0
		for _, p := range paths {
			if err := copyFile(w, p); err != nil {
				failed++
				a.logger.Warn("log fragment copy failed", "file", p, "error", err)
				continue
			}
			if category != "Error" {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return fault.New(fault.CategoryAggregation, "write archive entry", err)
				}
			}
		}
		a.logger.Debug("merged log fragments", "category", category, "files", len(paths), "failed", failed)
	}
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// discover returns the output-partition directories of baseDir sorted by
// partition number. Names whose suffix is not a number sort last, by name.
func discover(baseDir string) ([]outputDir, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fault.New(fault.CategoryAggregation, "list output directories", err)
	}

	var dirs []outputDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), outputDirPrefix) {
			continue
		}
		idx, ok := partition.OutputIndex(e.Name())
		dirs = append(dirs, outputDir{path: filepath.Join(baseDir, e.Name()), index: idx, ok: ok})
	}

	sort.SliceStable(dirs, func(i, j int) bool {
		a, b := dirs[i], dirs[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok && a.index != b.index {
			return a.index < b.index
		}
		return a.path < b.path
	})
	return dirs, nil
}

func collect(dirs []outputDir) (fragments, error) {
	frags := fragments{logs: make(map[string][]string)}
	for _, d := range dirs {
		names, err := listFiles(d.path)
		if err != nil {
			return fragments{}, fault.New(fault.CategoryAggregation, "list fragments", err)
		}
		for _, name := range names {
			path := filepath.Join(d.path, name)
			switch {
			case isLogFile(name):
				cat := logCategory(name)
				frags.logs[cat] = append(frags.logs[cat], path)
			case isYieldFile(name):
				frags.yields = append(frags.yields, path)
			}
		}
	}
	return frags, nil
}

// listFiles returns the committed regular files of dir in name order.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), projection.PartSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func isLogFile(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "log") || strings.Contains(n, "error") ||
		strings.Contains(n, "progress") || strings.Contains(n, "debug")
}

func isYieldFile(name string) bool {
	return strings.Contains(strings.ToLower(name), "yield") && !isLogFile(name)
}

func logCategory(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "error"):
		return "Error"
	case strings.Contains(n, "progress"):
		return "Progress"
	case strings.Contains(n, "debug"):
		return "Debug"
	default:
		return "General"
	}
}
