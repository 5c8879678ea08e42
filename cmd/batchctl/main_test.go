package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/vdyp-batch/internal/aggregate"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParameters(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		content    string
		wantFormat string
		wantOption string
	}{
		{
			name: "yaml",
			content: "outputFormat: CSVYieldTable\n" +
				"selectedExecutionOptions:\n" +
				"  - doEnableProgressLogging\n" +
				"ageStart: 10\n",
			wantFormat: "CSVYieldTable",
			wantOption: projection.OptionProgressLogging,
		},
		{
			name:       "json",
			content:    `{"selectedExecutionOptions":["doEnableErrorLogging"]}`,
			wantFormat: projection.DefaultOutputFormat,
			wantOption: projection.OptionErrorLogging,
		},
		{
			name:       "empty file",
			content:    "",
			wantFormat: projection.DefaultOutputFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".params", tt.content)
			p, err := loadParameters(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, p.OutputFormat)
			if tt.wantOption != "" {
				assert.True(t, p.Has(tt.wantOption))
			}
		})
	}
}

func TestLoadParameters_KeepsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "p.yaml", "ageStart: 10\nageEnd: 250\n")
	p, err := loadParameters(path)
	require.NoError(t, err)

	doc, err := p.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ageStart":10,"ageEnd":250}`, string(doc))
}

func TestLoadParameters_Errors(t *testing.T) {
	_, err := loadParameters(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "outputFormat: [unclosed\n")
	_, err = loadParameters(path)
	assert.Error(t, err)

	p, err := loadParameters("")
	require.NoError(t, err)
	assert.Equal(t, projection.DefaultOutputFormat, p.OutputFormat)
}

func TestPartitionCommand(t *testing.T) {
	dir := t.TempDir()
	poly := writeFile(t, dir, "polygon.csv", "FEATURE_ID,MAP_ID\nF1,M1\nF2,M1\nF3,M1\n")
	layer := writeFile(t, dir, "layer.csv", "FEATURE_ID,LAYER_ID\nF1,1\nF2,1\nF3,1\nF3,2\n")
	out := filepath.Join(dir, "job")

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"partition", "--polygon", poly, "--layer", layer, "--out", out, "--partitions", "2"})
	require.NoError(t, root.Execute())

	var res partition.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.EqualValues(t, 3, res.TotalPolygons)
	assert.EqualValues(t, 4, res.TotalLayers)
	assert.Len(t, res.Assignments, 2)
	assert.DirExists(t, partition.InputDir(out, 0))
}

func TestRunCommand_RequiresEngine(t *testing.T) {
	t.Setenv("ENGINE_COMMAND", "")
	dir := t.TempDir()
	poly := writeFile(t, dir, "polygon.csv", "FEATURE_ID\nF1\n")
	layer := writeFile(t, dir, "layer.csv", "FEATURE_ID\nF1\n")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--polygon", poly, "--layer", layer})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENGINE_COMMAND")
}

func TestAggregateCommand_PlaceholderArchive(t *testing.T) {
	base := t.TempDir()
	in := partition.InputDir(base, 0)
	require.NoError(t, os.MkdirAll(in, 0o755))

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"aggregate", base, "--cleanup"})
	require.NoError(t, root.Execute())

	var res aggregate.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.True(t, res.Placeholder)
	assert.FileExists(t, res.ArchivePath)
	assert.NoError(t, aggregate.Verify(res))
	assert.NoDirExists(t, in)
}

func TestAggregateCommand_CleansUpAfterValidArchive(t *testing.T) {
	base := t.TempDir()
	out := partition.OutputDir(base, 0)
	require.NoError(t, os.MkdirAll(out, 0o755))
	writeFile(t, out, "YieldTables_a-000000-000000_YieldTable.csv", "0,F1,D1,M1,P1,1,10\n")

	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"aggregate", base, "--cleanup"})
	require.NoError(t, root.Execute())

	var res aggregate.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.False(t, res.Placeholder)
	assert.NoError(t, aggregate.Validate(res.ArchivePath))
	assert.NoDirExists(t, out)
}
