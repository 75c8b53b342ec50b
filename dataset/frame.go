// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package dataset

import (
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Frame is a schema-agnostic view over a parquet table written by untrusted
// code. Miner outputs have no fixed shape: columns may be scalars or lists
// and any cell may be null, so the frame keeps every cell as the list of its
// non-null leaf values rendered to strings. Nested leaves collapse onto
// their root column name ("addresses.list.element" reads as "addresses").
type Frame struct {
	names []string
	index map[string]int
	lists []bool
	rows  [][][]string
}

// NewFrame returns an empty frame with the given columns.
func NewFrame(columns ...string) *Frame {
	f := &Frame{index: make(map[string]int, len(columns))}
	for _, name := range columns {
		f.ensureColumn(name)
	}
	return f
}

func (f *Frame) ensureColumn(name string) int {
	if slot, ok := f.index[name]; ok {
		return slot
	}
	slot := len(f.names)
	f.index[name] = slot
	f.names = append(f.names, name)
	f.lists = append(f.lists, false)
	for i := range f.rows {
		f.rows[i] = append(f.rows[i], nil)
	}
	return slot
}

// MarkList flags a column as list-typed; list cells are taken verbatim while
// scalar cells may be comma-split by consumers.
func (f *Frame) MarkList(name string) {
	slot := f.ensureColumn(name)
	f.lists[slot] = true
}

// AppendRow adds a row; columns absent from cells are null.
func (f *Frame) AppendRow(cells map[string][]string) {
	row := make([][]string, len(f.names))
	for name, values := range cells {
		if slot, ok := f.index[name]; ok {
			row[slot] = values
		}
	}
	f.rows = append(f.rows, row)
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.rows) }

// Columns returns the root column names in file order.
func (f *Frame) Columns() []string { return f.names }

// NumColumns returns the number of root columns.
func (f *Frame) NumColumns() int { return len(f.names) }

// HasColumn reports whether a root column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.index[name]
	return ok
}

// IsList reports whether a column is list-typed.
func (f *Frame) IsList(name string) bool {
	slot, ok := f.index[name]
	return ok && f.lists[slot]
}

// Strings returns every non-null value of a cell; nil for nulls and for
// missing columns.
func (f *Frame) Strings(row int, name string) []string {
	slot, ok := f.index[name]
	if !ok || row < 0 || row >= len(f.rows) {
		return nil
	}
	return f.rows[row][slot]
}

// Value returns the first value of a cell and whether the cell is non-null.
func (f *Frame) Value(row int, name string) (string, bool) {
	values := f.Strings(row, name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// NullCount counts the rows whose cell in the column is null.
func (f *Frame) NullCount(name string) int {
	slot, ok := f.index[name]
	if !ok {
		return len(f.rows)
	}
	nulls := 0
	for _, row := range f.rows {
		if len(row[slot]) == 0 {
			nulls++
		}
	}
	return nulls
}

// ReadFrame loads a parquet file into a frame without assuming any schema.
func ReadFrame(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stating %s", path)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	schema := pf.Schema()
	frame := NewFrame()
	leafSlot := make([]int, len(schema.Columns()))
	for i, leaf := range schema.Columns() {
		leafSlot[i] = frame.ensureColumn(leaf[0])
		if len(leaf) > 1 {
			frame.lists[leafSlot[i]] = true
		}
	}
	for _, field := range schema.Fields() {
		if field.Repeated() {
			frame.MarkList(field.Name())
		}
	}

	buffer := make([]parquet.Row, 64)
	for _, group := range pf.RowGroups() {
		rows := group.Rows()
		for {
			n, err := rows.ReadRows(buffer)
			for _, raw := range buffer[:n] {
				row := make([][]string, len(frame.names))
				for _, value := range raw {
					if value.IsNull() {
						continue
					}
					slot := leafSlot[value.Column()]
					row[slot] = append(row[slot], renderValue(value))
				}
				frame.rows = append(frame.rows, row)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				rows.Close()
				return nil, errors.Wrapf(err, "reading rows of %s", path)
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}
	return frame, nil
}

// MergeFrames concatenates frames over the union of their columns; nil
// inputs are skipped and all-nil input yields nil.
func MergeFrames(frames ...*Frame) *Frame {
	merged := NewFrame()
	seen := false
	for _, f := range frames {
		if f == nil {
			continue
		}
		seen = true
		for i, name := range f.names {
			slot := merged.ensureColumn(name)
			if f.lists[i] {
				merged.lists[slot] = true
			}
		}
	}
	if !seen {
		return nil
	}
	for _, f := range frames {
		if f == nil {
			continue
		}
		for r := range f.rows {
			row := make([][]string, len(merged.names))
			for i, name := range f.names {
				row[merged.index[name]] = f.rows[r][i]
			}
			merged.rows = append(merged.rows, row)
		}
	}
	return merged
}

func renderValue(v parquet.Value) string {
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
