package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ReadChunksCSV returns the values of column from a CSV with a header row,
// in file order. Empty values are kept so positions match the file.
func ReadChunksCSV(r io.Reader, column string) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read csv header: %w", err)
	}
	col := indexOf(header, column)
	if col < 0 {
		return nil, fmt.Errorf("snapshot: csv has no %q column", column)
	}

	var out []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot: read csv: %w", err)
		}
		if col >= len(rec) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("snapshot: csv line %d (record %d): missing %q", line, len(out)+1, column)
		}
		out = append(out, rec[col])
	}
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
