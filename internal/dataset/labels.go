package dataset

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"retina-forge/internal/failure"
)

// NumClasses is the number of ordinal severity grades (0 = none ... 4 =
// proliferative).
const NumClasses = 5

// LabelRow is one row of the label table.
type LabelRow struct {
	Key   string
	Label int
}

// ReadLabelFile opens path and parses it with ReadLabels.
func ReadLabelFile(path string) ([]LabelRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.New(failure.Dataset, "open label table", err)
	}
	defer f.Close()
	return ReadLabels(f)
}

// ReadLabels parses a two-column CSV of image key and severity grade. A
// leading header row (second column not an integer, e.g. "image,level") is
// skipped.
func ReadLabels(r io.Reader) ([]LabelRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows := make([]LabelRow, 0)
	seen := make(map[string]int)
	line := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, failure.New(failure.Dataset, "read label table", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != 2 {
			return nil, failure.Newf(failure.Dataset, "read label table", "line %d: expected 2 fields, got %d", line, len(record))
		}
		key := strings.TrimSpace(record[0])
		value := strings.TrimSpace(record[1])
		label, err := strconv.Atoi(value)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, failure.Newf(failure.Dataset, "read label table", "line %d: level %q is not an integer", line, value)
		}
		if key == "" {
			return nil, failure.Newf(failure.Dataset, "read label table", "line %d: empty image key", line)
		}
		if label < 0 || label >= NumClasses {
			return nil, failure.Newf(failure.Dataset, "read label table", "line %d: level %d outside [0, %d]", line, label, NumClasses-1)
		}
		if prev, ok := seen[key]; ok {
			return nil, failure.Newf(failure.Dataset, "read label table", "line %d: duplicate key %q (first on line %d)", line, key, prev)
		}
		seen[key] = line
		rows = append(rows, LabelRow{Key: key, Label: label})
	}
	return rows, nil
}
