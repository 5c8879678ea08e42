package projection

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// Execution options that switch on the engine's log streams.
const (
	OptionProgressLogging = "doEnableProgressLogging"
	OptionErrorLogging    = "doEnableErrorLogging"
	OptionDebugLogging    = "doEnableDebugLogging"
)

// DefaultOutputFormat is the yield table format requested when none is given.
const DefaultOutputFormat = "CSVYieldTable"

// Parameters are the serialized projection parameters of a job. Only the
// fields the pipeline itself needs are decoded; the full document is kept
// and handed to the engine untouched.
type Parameters struct {
	OutputFormat             string   `json:"outputFormat,omitempty" yaml:"outputFormat,omitempty"`
	SelectedExecutionOptions []string `json:"selectedExecutionOptions,omitempty" yaml:"selectedExecutionOptions,omitempty"`

	raw []byte
}

// ParseParameters decodes a JSON parameters document. Empty input yields
// default parameters.
func ParseParameters(data []byte) (Parameters, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Parameters{OutputFormat: DefaultOutputFormat}, nil
	}

	var p Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return Parameters{}, fault.New(fault.CategoryConfig, "parse projection parameters", err)
	}
	if p.OutputFormat == "" {
		p.OutputFormat = DefaultOutputFormat
	}
	p.raw = append([]byte(nil), data...)
	return p, nil
}

// JSON returns the parameters document. It is the original input when the
// parameters were parsed, otherwise the encoded known fields.
func (p Parameters) JSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	return json.Marshal(p)
}

// Has reports whether an execution option is selected. Matching ignores case.
func (p Parameters) Has(option string) bool {
	for _, o := range p.SelectedExecutionOptions {
		if strings.EqualFold(o, option) {
			return true
		}
	}
	return false
}

// LogEnabled reports whether the engine should produce the given log stream.
func (p Parameters) LogEnabled(kind LogKind) bool {
	switch kind {
	case LogError:
		return p.Has(OptionErrorLogging)
	case LogProgress:
		return p.Has(OptionProgressLogging)
	case LogDebug:
		return p.Has(OptionDebugLogging)
	default:
		return false
	}
}
