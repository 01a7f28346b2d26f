package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tsawler/leafnet/tensor"
)

// WriteSubmission writes one row of class scores per image:
//
//	image_id,healthy,multiple_diseases,rust,scab
func WriteSubmission(w io.Writer, ids []string, columns []string, scores *tensor.Tensor) error {
	if len(scores.Shape) != 2 || scores.Shape[0] != len(ids) || scores.Shape[1] != len(columns) {
		return fmt.Errorf("scores shape %v does not match %d images x %d columns", scores.Shape, len(ids), len(columns))
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(append([]string{imageIDColumn}, columns...)); err != nil {
		return err
	}
	k := len(columns)
	for i, id := range ids {
		record := make([]string, 0, k+1)
		record = append(record, id)
		for _, v := range scores.Data[i*k : (i+1)*k] {
			record = append(record, strconv.FormatFloat(float64(v), 'f', 6, 32))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteSubmissionFile writes the submission to path
func WriteSubmissionFile(path string, ids []string, columns []string, scores *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSubmission(f, ids, columns, scores); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ImageIDs lists the image ids of the frame in row order
func (f *Frame) ImageIDs() []string {
	ids := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		ids[i] = row.ImageID
	}
	return ids
}
