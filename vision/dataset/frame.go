package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNotOneHot is returned when a row's targets do not sum to one
	ErrNotOneHot = errors.New("targets are not one-hot")
	// ErrEmptySplit is returned when a fold split leaves one side empty
	ErrEmptySplit = errors.New("fold split is empty")
)

// DefaultTargetColumns are the Plant Pathology classes in label order
var DefaultTargetColumns = []string{"healthy", "multiple_diseases", "rust", "scab"}

const (
	imageIDColumn = "image_id"
	foldColumn    = "kfold"
)

// Row is one labelled image. Fold is -1 until folds are assigned.
type Row struct {
	ImageID string
	Targets []float32
	Fold    int
}

// Frame is a table of rows sharing the same target columns. A frame read
// from a file without target columns (a test set) has nil Targets.
type Frame struct {
	TargetColumns []string
	Rows          []Row
}

// ReadFrame loads a CSV file
func ReadFrame(path string, targetColumns []string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	frame, err := ParseFrame(f, targetColumns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// ParseFrame reads CSV with a header row. image_id is required; the target
// columns must be either all present or all absent; kfold is optional.
func ParseFrame(r io.Reader, targetColumns []string) (*Frame, error) {
	if len(targetColumns) == 0 {
		targetColumns = DefaultTargetColumns
	}

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}

	idCol, ok := col[imageIDColumn]
	if !ok {
		return nil, fmt.Errorf("missing %q column", imageIDColumn)
	}
	foldCol, hasFold := col[foldColumn]

	targetIdx := make([]int, 0, len(targetColumns))
	for _, name := range targetColumns {
		if i, ok := col[name]; ok {
			targetIdx = append(targetIdx, i)
		}
	}
	hasTargets := len(targetIdx) > 0
	if hasTargets && len(targetIdx) != len(targetColumns) {
		return nil, fmt.Errorf("found %d of %d target columns %v", len(targetIdx), len(targetColumns), targetColumns)
	}

	frame := &Frame{TargetColumns: append([]string(nil), targetColumns...)}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := Row{ImageID: record[idCol], Fold: -1}
		if hasFold {
			if row.Fold, err = strconv.Atoi(strings.TrimSpace(record[foldCol])); err != nil {
				return nil, fmt.Errorf("line %d: bad %s: %w", line, foldColumn, err)
			}
		}
		if hasTargets {
			row.Targets = make([]float32, len(targetIdx))
			for j, i := range targetIdx {
				v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 32)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad %s: %w", line, targetColumns[j], err)
				}
				row.Targets[j] = float32(v)
			}
			if err := checkOneHot(row.Targets); err != nil {
				return nil, fmt.Errorf("line %d (%s): %w", line, row.ImageID, err)
			}
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

func checkOneHot(targets []float32) error {
	var sum float64
	for _, v := range targets {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: value %g", ErrNotOneHot, v)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: row sums to %g", ErrNotOneHot, sum)
	}
	return nil
}

// WriteFrame saves the frame as CSV, including the kfold column
func WriteFrame(path string, frame *Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := frame.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes the frame as CSV
func (f *Frame) Write(w io.Writer) error {
	writer := csv.NewWriter(w)
	header := []string{imageIDColumn}
	if f.HasTargets() {
		header = append(header, f.TargetColumns...)
	}
	header = append(header, foldColumn)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range f.Rows {
		record := []string{row.ImageID}
		for _, v := range row.Targets {
			record = append(record, strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
		record = append(record, strconv.Itoa(row.Fold))
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Len returns the number of rows
func (f *Frame) Len() int {
	return len(f.Rows)
}

// HasTargets reports whether the rows carry labels
func (f *Frame) HasTargets() bool {
	return len(f.Rows) > 0 && f.Rows[0].Targets != nil
}

// Targets returns the label matrix, one row per image
func (f *Frame) Targets() [][]float32 {
	if !f.HasTargets() {
		return nil
	}
	out := make([][]float32, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row.Targets
	}
	return out
}

// ImagePaths joins each image id with dir and ext (".jpg" by default)
func (f *Frame) ImagePaths(dir, ext string) []string {
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	paths := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		paths[i] = filepath.Join(dir, row.ImageID+ext)
	}
	return paths
}

// Label returns the argmax class index of row i
func (f *Frame) Label(i int) int {
	best := 0
	for j, v := range f.Rows[i].Targets {
		if v > f.Rows[i].Targets[best] {
			best = j
		}
	}
	return best
}

// ClassDistribution counts rows per target column
func (f *Frame) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	if !f.HasTargets() {
		return dist
	}
	for i := range f.Rows {
		dist[f.TargetColumns[f.Label(i)]]++
	}
	return dist
}

// Subset returns a frame holding copies of the selected rows
func (f *Frame) Subset(indices []int) *Frame {
	out := &Frame{TargetColumns: f.TargetColumns, Rows: make([]Row, len(indices))}
	for i, idx := range indices {
		out.Rows[i] = f.Rows[idx]
	}
	return out
}

// SplitByFold puts rows with kfold == fold into valid and the rest into
// train
func SplitByFold(f *Frame, fold int) (train, valid *Frame, err error) {
	var trainIdx, validIdx []int
	for i, row := range f.Rows {
		if row.Fold == fold {
			validIdx = append(validIdx, i)
		} else {
			trainIdx = append(trainIdx, i)
		}
	}
	if len(validIdx) == 0 {
		return nil, nil, fmt.Errorf("%w: no rows in fold %d", ErrEmptySplit, fold)
	}
	if len(trainIdx) == 0 {
		return nil, nil, fmt.Errorf("%w: every row is in fold %d", ErrEmptySplit, fold)
	}
	return f.Subset(trainIdx), f.Subset(validIdx), nil
}

// StratifiedKFold returns a copy of f with kfold assigned so that every
// class is spread evenly over n folds. Rows are shuffled per class with
// seed and dealt round-robin; the deal continues across classes so fold
// sizes differ by at most one.
func StratifiedKFold(f *Frame, n int, seed int64) (*Frame, error) {
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 folds, got %d", n)
	}
	if !f.HasTargets() {
		return nil, fmt.Errorf("cannot stratify a frame without targets")
	}
	if f.Len() < n {
		return nil, fmt.Errorf("%d rows cannot fill %d folds", f.Len(), n)
	}

	buckets := make(map[int][]int)
	for i := range f.Rows {
		c := f.Label(i)
		buckets[c] = append(buckets[c], i)
	}
	classes := make([]int, 0, len(buckets))
	for c := range buckets {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	out := f.Subset(allIndices(f.Len()))
	rng := rand.New(rand.NewSource(seed))
	next := 0
	for _, c := range classes {
		idx := buckets[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for _, i := range idx {
			out.Rows[i].Fold = next
			next = (next + 1) % n
		}
	}
	return out, nil
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// String returns a short description
func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%d rows, targets=%v)", f.Len(), f.TargetColumns)
}
