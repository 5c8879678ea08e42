package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

// loadParameters reads a parameters file written as YAML or JSON. JSON is a
// subset of YAML, so both go through the YAML decoder and are re-encoded as
// the JSON document the engine receives. An empty path yields defaults.
func loadParameters(path string) (projection.Parameters, error) {
	if path == "" {
		return projection.ParseParameters(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return projection.Parameters{}, fmt.Errorf("read parameters: %w", err)
	}
	doc, err := parametersJSON(data)
	if err != nil {
		return projection.Parameters{}, fmt.Errorf("parameters %s: %w", path, err)
	}
	return projection.ParseParameters(doc)
}

func parametersJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return json.Marshal(doc)
}
