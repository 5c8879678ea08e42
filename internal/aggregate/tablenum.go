package aggregate

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrTableNumOverflow is returned when more distinct polygon/layer pairs are
// seen than TABLE_NUM can number.
var ErrTableNumOverflow = errors.New("TABLE_NUM exceeded maximum value")

// TableNumberAssigner rewrites the leading TABLE_NUM column of yield table
// rows. Rows are laid out as
//
//	TABLE_NUM,FEATURE_ID,DISTRICT,MAP_ID,POLYGON_ID,LAYER_ID,...
//
// and each distinct (FEATURE_ID, LAYER_ID) pair receives the next number
// starting at 1, in first-seen order. The rest of the row is kept byte for
// byte.
type TableNumberAssigner struct {
	numbers map[string]int
	next    int
	limit   int
}

// NewTableNumberAssigner returns an assigner that starts at 1.
func NewTableNumberAssigner() *TableNumberAssigner {
	return &TableNumberAssigner{
		numbers: make(map[string]int),
		next:    1,
		limit:   math.MaxInt32 - 1,
	}
}

// Assign returns the rewritten line. keep is false when the line has an empty
// FEATURE_ID and must be dropped. Blank lines and lines with too few columns
// are returned unchanged.
func (a *TableNumberAssigner) Assign(line string) (out string, keep bool, err error) {
	if strings.TrimSpace(line) == "" {
		return line, true, nil
	}

	first := strings.IndexByte(line, ',')
	if first < 0 {
		return line, true, nil
	}
	second := nextComma(line, first)
	if second < 0 {
		return line, true, nil
	}

	featureID := strings.TrimSpace(line[first+1 : second])
	if featureID == "" {
		return "", false, nil
	}

	c := second
	for i := 0; i < 3; i++ {
		if c = nextComma(line, c); c < 0 {
			return line, true, nil
		}
	}
	layerID := line[c+1:]
	if end := strings.IndexByte(layerID, ','); end >= 0 {
		layerID = layerID[:end]
	}
	key := featureID + "_" + strings.TrimSpace(layerID)

	num, ok := a.numbers[key]
	if !ok {
		if a.next >= a.limit {
			return "", false, ErrTableNumOverflow
		}
		num = a.next
		a.numbers[key] = num
		a.next++
	}
	return strconv.Itoa(num) + line[first:], true, nil
}

// Unique returns the number of distinct pairs numbered so far.
func (a *TableNumberAssigner) Unique() int {
	return len(a.numbers)
}

func nextComma(s string, after int) int {
	i := strings.IndexByte(s[after+1:], ',')
	if i < 0 {
		return -1
	}
	return after + 1 + i
}
