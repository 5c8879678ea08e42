package aggregate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

var (
	// ErrArchiveEmpty is returned by Validate for a zero-length archive.
	ErrArchiveEmpty = errors.New("archive is empty")
	// ErrMissingYieldTable is returned by Validate when the archive has no
	// YieldTable.csv entry.
	ErrMissingYieldTable = errors.New("archive has no " + YieldTableEntry + " entry")
	// ErrMissingReadme is returned by Verify for a placeholder archive
	// without its README.txt entry.
	ErrMissingReadme = errors.New("archive has no " + ReadmeEntry + " entry")
)

func writePlaceholder(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "create archive", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(ReadmeEntry)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "write placeholder", err)
	}
	if _, err := w.Write([]byte(placeholderReadme)); err != nil {
		return fault.New(fault.CategoryAggregation, "write placeholder", err)
	}
	if err := zw.Close(); err != nil {
		return fault.New(fault.CategoryAggregation, "write placeholder", err)
	}
	if err := f.Close(); err != nil {
		return fault.New(fault.CategoryAggregation, "write placeholder", err)
	}
	return nil
}

// Verify validates the archive described by res. A placeholder archive must
// hold README.txt instead of YieldTable.csv.
func Verify(res Result) error {
	if res.Placeholder {
		return validate(res.ArchivePath, ReadmeEntry, ErrMissingReadme)
	}
	return Validate(res.ArchivePath)
}

// Validate checks that path is a non-empty zip archive holding a
// YieldTable.csv entry.
func Validate(path string) error {
	return validate(path, YieldTableEntry, ErrMissingYieldTable)
}

func validate(path, entry string, missing error) error {
	st, err := os.Stat(path)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "validate archive", err)
	}
	if st.Size() == 0 {
		return fault.New(fault.CategoryAggregation, "validate archive", ErrArchiveEmpty)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return fault.New(fault.CategoryAggregation, "validate archive", fmt.Errorf("open zip: %w", err))
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == entry {
			return nil
		}
	}
	return fault.New(fault.CategoryAggregation, "validate archive", missing)
}

// Cleanup removes the input-partition* and output-partition* directories of
// baseDir and returns how many were removed. Failures on single directories
// are logged and skipped; the first one is returned after the sweep.
func Cleanup(baseDir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("cleanup skipped, base directory does not exist", "base_dir", baseDir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", baseDir, err)
	}

	removed := 0
	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !(strings.HasPrefix(name, "input-partition") || strings.HasPrefix(name, outputDirPrefix)) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(baseDir, name)); err != nil {
			logger.Warn("failed to remove partition directory", "dir", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	logger.Info("partition directories removed", "base_dir", baseDir, "removed", removed)
	return removed, firstErr
}
