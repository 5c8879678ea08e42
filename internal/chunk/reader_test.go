package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
)

func writePartition(t *testing.T, polygon, layer string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, partition.PolygonFile), []byte(polygon), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, partition.LayerFile), []byte(layer), 0o644))
	return dir
}

func readSection(t *testing.T, path string, off, n int64) string {
	t.Helper()
	rc, err := OpenSection(path, off, n)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func readAll(t *testing.T, r *Reader) []Descriptor {
	t.Helper()
	var out []Descriptor
	for {
		d, err := r.Read()
		if errors.Is(err, ErrExhausted) {
			return out
		}
		require.NoError(t, err)
		out = append(out, d)
	}
}

func TestReader_GaplessCoverage(t *testing.T) {
	var poly, layer strings.Builder
	poly.WriteString("FEATURE_ID,MAP_ID\n")
	for i := 0; i < 23; i++ {
		fmt.Fprintf(&poly, "F%02d,M\n", i)
		for j := 0; j < i%3; j++ {
			fmt.Fprintf(&layer, "F%02d,%d\n", i, j+1)
		}
	}
	dir := writePartition(t, poly.String(), layer.String())

	r, err := NewReader("partition0", dir, 5)
	require.NoError(t, err)
	require.NoError(t, r.Open())
	defer r.Close()
	assert.Equal(t, 23, r.Total())

	ds := readAll(t, r)
	require.Len(t, ds, 5)

	var polys, layers strings.Builder
	polyCount, layerCount := 0, 0
	for i, d := range ds {
		assert.Equal(t, i, d.Sequence)
		assert.Equal(t, "partition0", d.Partition)
		polys.WriteString(readSection(t, d.PolygonPath(), d.PolygonOffset, d.PolygonLength))
		layers.WriteString(readSection(t, d.LayerPath(), d.LayerOffset, d.LayerLength))
		polyCount += d.PolygonCount
		layerCount += d.LayerCount
	}

	assert.Equal(t, 23, polyCount)
	assert.Equal(t, strings.TrimPrefix(poly.String(), "FEATURE_ID,MAP_ID\n"), polys.String())
	assert.Equal(t, layer.String(), layers.String())
	assert.Equal(t, strings.Count(layer.String(), "\n"), layerCount)

	assert.Equal(t, "F00", ds[0].FirstKey)
	assert.Equal(t, "F04", ds[0].LastKey)
	assert.Equal(t, 3, ds[4].PolygonCount)
}

func TestReader_ChunkLayersMatchPolygons(t *testing.T) {
	dir := writePartition(t,
		"P1,a\nP2,a\nP3,a\n",
		"P1,1\nP1,2\nP3,1\n")

	r, err := NewReader("partition1", dir, 2)
	require.NoError(t, err)
	require.NoError(t, r.Open())

	ds := readAll(t, r)
	require.Len(t, ds, 2)

	assert.Equal(t, "P1,1\nP1,2\n", readSection(t, ds[0].LayerPath(), ds[0].LayerOffset, ds[0].LayerLength))
	assert.Equal(t, 2, ds[0].LayerCount)
	assert.Equal(t, "P3,1\n", readSection(t, ds[1].LayerPath(), ds[1].LayerOffset, ds[1].LayerLength))
	assert.Equal(t, 1, ds[1].LayerCount)
}

func TestReader_OffsetsPointAtRecordStart(t *testing.T) {
	dir := writePartition(t, "\r\nFEATURE_ID,X\r\nA,1\r\n\r\nB,2\r\nC,3", "")

	r, err := NewReader("partition0", dir, 1)
	require.NoError(t, err)
	require.NoError(t, r.Open())

	ds := readAll(t, r)
	require.Len(t, ds, 3)
	assert.Equal(t, "A,1\r\n", readSection(t, ds[0].PolygonPath(), ds[0].PolygonOffset, ds[0].PolygonLength))
	assert.Equal(t, "B,2\r\n", readSection(t, ds[1].PolygonPath(), ds[1].PolygonOffset, ds[1].PolygonLength))
	assert.Equal(t, "C,3", readSection(t, ds[2].PolygonPath(), ds[2].PolygonOffset, ds[2].PolygonLength))
	assert.Zero(t, ds[0].LayerCount)
}

func TestReader_States(t *testing.T) {
	dir := writePartition(t, "A,1\n", "")

	r, err := NewReader("partition0", dir, 10)
	require.NoError(t, err)

	_, err = r.Read()
	assert.ErrorIs(t, err, ErrNotOpened)

	require.NoError(t, r.Open())
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = r.Read()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Open(), ErrClosed)
}

func TestReader_EmptyPartition(t *testing.T) {
	dir := writePartition(t, "", "")

	r, err := NewReader("partition2", dir, 10)
	require.NoError(t, err)
	require.NoError(t, r.Open())

	_, err = r.Read()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReader_MissingDirectory(t *testing.T) {
	r, err := NewReader("partition0", filepath.Join(t.TempDir(), "gone"), 10)
	require.NoError(t, err)

	err = r.Open()
	require.Error(t, err)

	f := fault.From(err)
	assert.Equal(t, fault.CategoryReaderOpen, f.Category)
	assert.False(t, f.Retryable)
	assert.False(t, f.Skippable)
}

func TestBuildIndex_OutOfOrderLayers(t *testing.T) {
	dir := writePartition(t,
		"P1,a\nP2,a\n",
		"P2,1\nP1,1\n")

	r, err := NewReader("partition0", dir, 10)
	require.NoError(t, err)

	err = r.Open()
	require.Error(t, err)

	f := fault.From(err)
	assert.Equal(t, fault.CategoryDataOrder, f.Category)
	assert.False(t, f.Skippable)
	assert.Equal(t, "P1", f.Key)
}

func TestBuildIndex_IgnoresUnknownLayerKeys(t *testing.T) {
	dir := writePartition(t, "P1,a\nP2,a\n", "P1,1\nZZ,1\nP2,1\n")

	idx, err := BuildIndex(filepath.Join(dir, partition.PolygonFile), filepath.Join(dir, partition.LayerFile))
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Polygons())
	assert.Equal(t, 2, idx.Layers())

	s, e := idx.LayerSpan(1, 2)
	assert.Equal(t, 1, s)
	assert.Equal(t, 2, e)
}

func TestNewReader_InvalidChunkSize(t *testing.T) {
	_, err := NewReader("partition0", t.TempDir(), 0)
	assert.True(t, fault.Is(err, fault.CategoryConfig))
}
