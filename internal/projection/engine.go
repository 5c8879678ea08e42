// Package projection defines the boundary between the batch pipeline and the
// projection engine that turns polygon and layer records into yield tables.
//
// The pipeline hands an Engine one chunk at a time through a Request and
// collects everything the engine produces through a Sink. FragmentWriter is
// the Sink used by partition workers; ExecEngine drives an external binary.
package projection

import (
	"context"
	"io"

	"github.com/JonMunkholm/vdyp-batch/internal/chunk"
)

// LogKind selects one of the engine's log streams.
type LogKind int

const (
	LogError LogKind = iota
	LogProgress
	LogDebug
)

func (k LogKind) String() string {
	switch k {
	case LogError:
		return "Error"
	case LogProgress:
		return "Progress"
	case LogDebug:
		return "Debug"
	default:
		return "General"
	}
}

// Request is one chunk of work.
type Request struct {
	JobID          int64
	JobGUID        string
	Partition      string
	PartitionIndex int

	Chunk  chunk.Descriptor
	Params Parameters

	// Polygons and Layers stream exactly the chunk's records, without header.
	Polygons io.Reader
	Layers   io.Reader
}

// Sink receives the outputs of one chunk. Nothing written to a Sink is
// visible to the aggregator until the pipeline commits it.
type Sink interface {
	CreateYieldTable() (io.WriteCloser, error)
	CreateLog(kind LogKind) (io.WriteCloser, error)
}

// Engine projects one chunk. Errors should be *fault.Fault values; anything
// else is treated as a projection fault by the caller.
type Engine interface {
	Project(ctx context.Context, req Request, sink Sink) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request, sink Sink) error

func (f EngineFunc) Project(ctx context.Context, req Request, sink Sink) error {
	return f(ctx, req, sink)
}
