package partition

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// File names inside an input partition directory.
const (
	PolygonFile = "polygon.csv"
	LayerFile   = "layer.csv"
)

var outputDirPattern = regexp.MustCompile(`^output-partition(\d+)$`)

// Timestamp formats t for file names as 2006_01_02_15_04_05_0000, the last
// field being ten-thousandths of a second. Lexical order matches time order.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s_%04d", t.Format("2006_01_02_15_04_05"), t.Nanosecond()/100_000)
}

// Name is the partition label used in logs, metrics and fragment names.
func Name(i int) string {
	return fmt.Sprintf("partition%d", i)
}

// InputDir is the directory holding the polygon and layer files of partition i.
func InputDir(baseDir string, i int) string {
	return filepath.Join(baseDir, fmt.Sprintf("input-partition%d", i))
}

// OutputDir is the directory receiving the output fragments of partition i.
func OutputDir(baseDir string, i int) string {
	return filepath.Join(baseDir, fmt.Sprintf("output-partition%d", i))
}

// OutputIndex parses the partition number from an output directory name.
// ok is false when the name does not match "output-partition<digits>" or the
// number does not fit an int.
func OutputIndex(dirName string) (index int, ok bool) {
	m := outputDirPattern.FindStringSubmatch(dirName)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Quotas splits total records across n partitions. The first total%n
// partitions receive one extra record.
func Quotas(total int64, n int) []int64 {
	q := make([]int64, n)
	if n <= 0 {
		return q
	}
	base := total / int64(n)
	extra := total % int64(n)
	for i := range q {
		q[i] = base
		if int64(i) < extra {
			q[i]++
		}
	}
	return q
}
