package projection

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
)

// PartSuffix marks fragments that have not been committed yet.
const PartSuffix = ".part"

// requestKind is the input format tag carried in fragment names.
const requestKind = "HCSV"

var errWriterDone = errors.New("fragment writer already committed or discarded")

// FragmentWriter is the Sink of one chunk attempt. Files are created with a
// PartSuffix and renamed on Commit, so a failed attempt never leaves a
// fragment the aggregator would pick up.
//
// Names follow
//
//	YieldTables_batch-{job}-{partition}-projection-HCSV-{timestamp}-{seq}-{n}_YieldTable.csv
//	YieldTables_batch-{job}-{partition}-projection-HCSV-{timestamp}-{seq}_{Kind}Log.txt
//
// where seq is the chunk sequence within the partition. Within one output
// directory lexical order equals creation order.
type FragmentWriter struct {
	dir          string
	projectionID string
	params       Parameters

	mu     sync.Mutex
	files  []*fragment
	yields int
	done   bool
}

type fragment struct {
	f     *os.File
	final string
}

// NewFragmentWriter prepares a writer for one chunk of partition.
func NewFragmentWriter(outputDir string, jobID int64, partitionName string, seq int, params Parameters, now time.Time) *FragmentWriter {
	return &FragmentWriter{
		dir: outputDir,
		projectionID: fmt.Sprintf("batch-%d-%s-projection-%s-%s-%06d",
			jobID, partitionName, requestKind, partition.Timestamp(now), seq),
		params: params,
	}
}

// ProjectionID is the common stem of this writer's file names.
func (w *FragmentWriter) ProjectionID() string {
	return w.projectionID
}

// CreateYieldTable opens a new yield table fragment.
func (w *FragmentWriter) CreateYieldTable() (io.WriteCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := fmt.Sprintf("YieldTables_%s-%06d_YieldTable.csv", w.projectionID, w.yields)
	wc, err := w.create(name)
	if err != nil {
		return nil, err
	}
	w.yields++
	return wc, nil
}

// CreateLog opens a log fragment. When the parameters do not enable the
// stream the returned writer discards everything.
func (w *FragmentWriter) CreateLog(kind LogKind) (io.WriteCloser, error) {
	if !w.params.LogEnabled(kind) {
		return nopCloser{io.Discard}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.create(fmt.Sprintf("YieldTables_%s_%sLog.txt", w.projectionID, kind))
}

func (w *FragmentWriter) create(name string) (io.WriteCloser, error) {
	if w.done {
		return nil, fault.New(fault.CategoryResultStorage, "create fragment", errWriterDone)
	}
	final := filepath.Join(w.dir, name)
	f, err := os.Create(final + PartSuffix)
	if err != nil {
		return nil, fault.New(fault.CategoryResultStorage, "create fragment", err)
	}
	frag := &fragment{f: f, final: final}
	w.files = append(w.files, frag)
	return fragmentFile{frag}, nil
}

// Commit closes any open fragment and renames all of them to their final
// names. It returns the number of committed files.
func (w *FragmentWriter) Commit() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return 0, fault.New(fault.CategoryResultStorage, "commit fragments", errWriterDone)
	}
	w.done = true

	var firstErr error
	for _, frag := range w.files {
		if err := frag.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		w.discardLocked()
		return 0, fault.New(fault.CategoryResultStorage, "commit fragments", firstErr)
	}

	for i, frag := range w.files {
		if err := os.Rename(frag.final+PartSuffix, frag.final); err != nil {
			for _, rest := range w.files[i:] {
				_ = os.Remove(rest.final + PartSuffix)
			}
			return i, fault.New(fault.CategoryResultStorage, "commit fragments", err)
		}
	}
	return len(w.files), nil
}

// Discard closes and removes every fragment. It is a no-op after Commit.
func (w *FragmentWriter) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return
	}
	w.done = true
	w.discardLocked()
}

func (w *FragmentWriter) discardLocked() {
	for _, frag := range w.files {
		_ = frag.close()
		_ = os.Remove(frag.final + PartSuffix)
	}
}

func (f *fragment) close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// fragmentFile lets the engine close its file early without double-closing
// it during Commit.
type fragmentFile struct {
	frag *fragment
}

func (ff fragmentFile) Write(p []byte) (int, error) {
	if ff.frag.f == nil {
		return 0, os.ErrClosed
	}
	return ff.frag.f.Write(p)
}

func (ff fragmentFile) Close() error {
	return ff.frag.close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
