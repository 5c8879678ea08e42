package projection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// Environment variables through which ExecEngine hands a chunk to the binary.
const (
	EnvPolygonFile = "VDYP_POLYGON_FILE"
	EnvLayerFile   = "VDYP_LAYER_FILE"
	EnvParamsFile  = "VDYP_PARAMS_FILE"
	EnvOutputDir   = "VDYP_OUTPUT_DIR"
	EnvJobID       = "VDYP_JOB_ID"
	EnvPartition   = "VDYP_PARTITION"
)

const stderrTail = 2048

// ExecEngine runs an external projection binary once per chunk.
//
// The chunk's records, the parameters document and an empty output
// directory are staged in a scratch directory and passed through the Env*
// variables. After a zero exit every file in the output directory whose name
// contains "yield" is copied into a yield table fragment and every log file
// into the matching log stream. The binary's stdout feeds the progress log
// and its stderr the error log.
type ExecEngine struct {
	Command string
	Args    []string
	// Env is appended to the current process environment.
	Env []string
	// ScratchDir is the parent of per-chunk scratch directories; empty uses
	// the system temp dir.
	ScratchDir string
	Logger     *slog.Logger
}

var _ Engine = (*ExecEngine)(nil)

// Project implements Engine.
func (e *ExecEngine) Project(ctx context.Context, req Request, sink Sink) error {
	if e.Command == "" {
		return fault.Newf(fault.CategoryConfig, "exec engine", "engine command is not configured")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scratch, err := os.MkdirTemp(e.ScratchDir, "vdyp-chunk-*")
	if err != nil {
		return fault.New(fault.CategoryTransientIO, "create scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	polyPath := filepath.Join(scratch, "polygon.csv")
	layerPath := filepath.Join(scratch, "layer.csv")
	paramsPath := filepath.Join(scratch, "parameters.json")
	outDir := filepath.Join(scratch, "out")

	if err := stage(polyPath, req.Polygons); err != nil {
		return err
	}
	if err := stage(layerPath, req.Layers); err != nil {
		return err
	}
	params, err := req.Params.JSON()
	if err != nil {
		return fault.New(fault.CategoryConfig, "encode projection parameters", err)
	}
	if err := os.WriteFile(paramsPath, params, 0o644); err != nil {
		return fault.New(fault.CategoryTransientIO, "stage parameters", err)
	}
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return fault.New(fault.CategoryTransientIO, "create output dir", err)
	}

	progress, err := sink.CreateLog(LogProgress)
	if err != nil {
		return err
	}
	defer progress.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = scratch
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		EnvPolygonFile+"="+polyPath,
		EnvLayerFile+"="+layerPath,
		EnvParamsFile+"="+paramsPath,
		EnvOutputDir+"="+outDir,
		fmt.Sprintf("%s=%d", EnvJobID, req.JobID),
		EnvPartition+"="+req.Partition,
	)
	cmd.Stdout = progress
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fault.New(fault.CategoryConfig, "start engine", err)
	}
	runErr := cmd.Wait()

	if err := copyStderr(sink, stderr.Bytes()); err != nil {
		return err
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return fault.Newf(fault.CategoryProjection, "run engine", "exit status %d: %s",
				exitErr.ExitCode(), tail(stderr.String())).WithKey(req.Chunk.FirstKey)
		}
		return fault.New(fault.CategoryTransientIO, "run engine", runErr)
	}

	n, err := collect(outDir, sink)
	if err != nil {
		return err
	}
	logger.Debug("engine run complete",
		"partition", req.Partition,
		"chunk", req.Chunk.Sequence,
		"files", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func stage(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fault.New(fault.CategoryTransientIO, "stage chunk", err)
	}
	defer f.Close()
	if r != nil {
		if _, err := io.Copy(f, r); err != nil {
			return fault.New(fault.CategoryTransientIO, "stage chunk", err)
		}
	}
	if err := f.Close(); err != nil {
		return fault.New(fault.CategoryTransientIO, "stage chunk", err)
	}
	return nil
}

func copyStderr(sink Sink, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	w, err := sink.CreateLog(LogError)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fault.New(fault.CategoryResultStorage, "write error log", err)
	}
	return w.Close()
}

// collect copies the binary's output files into the sink in name order.
func collect(dir string, sink Sink) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fault.New(fault.CategoryTransientIO, "read engine output", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	n := 0
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		name := strings.ToLower(ent.Name())

		var open func() (io.WriteCloser, error)
		switch {
		case strings.Contains(name, "error"):
			open = func() (io.WriteCloser, error) { return sink.CreateLog(LogError) }
		case strings.Contains(name, "progress"):
			open = func() (io.WriteCloser, error) { return sink.CreateLog(LogProgress) }
		case strings.Contains(name, "debug"):
			open = func() (io.WriteCloser, error) { return sink.CreateLog(LogDebug) }
		case strings.Contains(name, "yield"):
			open = sink.CreateYieldTable
		default:
			continue
		}

		if err := copyInto(filepath.Join(dir, ent.Name()), open); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func copyInto(path string, open func() (io.WriteCloser, error)) error {
	src, err := os.Open(path)
	if err != nil {
		return fault.New(fault.CategoryTransientIO, "read engine output", err)
	}
	defer src.Close()

	dst, err := open()
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fault.New(fault.CategoryResultStorage, "copy engine output", err)
	}
	if err := dst.Close(); err != nil {
		return fault.New(fault.CategoryResultStorage, "copy engine output", err)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
