// Package arrowbatch streams calibration batches out of Arrow IPC files.
//
// Every record batch in the file is one calibration batch. A column of type
// FixedSizeList<float32> with width C and N rows becomes an [N C] tensor; a
// plain float32 or float64 column becomes [N].
package arrowbatch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/samcharles93/ptq/pkg/tensor"
)

var (
	ErrColumn = errors.New("arrowbatch: column not found")
	ErrType   = errors.New("arrowbatch: unsupported column type")
	ErrNulls  = errors.New("arrowbatch: column contains nulls")
)

var fileMagic = []byte("ARROW1")

// Each calls fn for every record batch in path, in file order. Both the IPC
// file format and the IPC stream format are accepted.
func Each(path, column string, fn func(i int, x *tensor.Tensor) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, len(fileMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("arrowbatch: read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if n == len(fileMagic) && bytes.Equal(head, fileMagic) {
		return eachFile(f, column, fn)
	}
	return eachStream(f, column, fn)
}

func eachFile(f *os.File, column string, fn func(int, *tensor.Tensor) error) error {
	rdr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("arrowbatch: open file reader: %w", err)
	}
	defer func() { _ = rdr.Close() }()

	for i := 0; i < rdr.NumRecords(); i++ {
		rec, err := rdr.Record(i)
		if err != nil {
			return fmt.Errorf("arrowbatch: record %d: %w", i, err)
		}
		x, err := FromRecord(rec, column)
		if err != nil {
			return fmt.Errorf("arrowbatch: record %d: %w", i, err)
		}
		if err := fn(i, x); err != nil {
			return err
		}
	}
	return nil
}

func eachStream(r io.Reader, column string, fn func(int, *tensor.Tensor) error) error {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("arrowbatch: open stream reader: %w", err)
	}
	defer rdr.Release()

	i := 0
	for rdr.Next() {
		x, err := FromRecord(rdr.Record(), column)
		if err != nil {
			return fmt.Errorf("arrowbatch: record %d: %w", i, err)
		}
		if err := fn(i, x); err != nil {
			return err
		}
		i++
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("arrowbatch: record %d: %w", i, err)
	}
	return nil
}

// FromRecord extracts column from rec as a tensor. The values are copied.
func FromRecord(rec arrow.Record, column string) (*tensor.Tensor, error) {
	idx := rec.Schema().FieldIndices(column)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumn, column)
	}
	return FromArray(rec.Column(idx[0]))
}

// FromArray converts a float32 array, a float64 array or a fixed size list
// of float32 into a tensor.
func FromArray(col arrow.Array) (*tensor.Tensor, error) {
	if col.NullN() > 0 {
		return nil, fmt.Errorf("%w: %d nulls", ErrNulls, col.NullN())
	}
	rows := col.Len()
	switch a := col.(type) {
	case *array.Float32:
		return tensor.New([]int{rows}, append([]float32(nil), a.Float32Values()...))
	case *array.Float64:
		out := make([]float32, rows)
		for i, v := range a.Float64Values() {
			out[i] = float32(v)
		}
		return tensor.New([]int{rows}, out)
	case *array.FixedSizeList:
		width := int(a.DataType().(*arrow.FixedSizeListType).Len())
		vals, ok := a.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%w: list of %s", ErrType, a.ListValues().DataType())
		}
		if vals.NullN() > 0 {
			return nil, fmt.Errorf("%w: %d null list values", ErrNulls, vals.NullN())
		}
		start := a.Offset() * width
		data := vals.Float32Values()[start : start+rows*width]
		return tensor.New([]int{rows, width}, append([]float32(nil), data...))
	default:
		return nil, fmt.Errorf("%w: %s", ErrType, col.DataType())
	}
}

// Write stores batches as an Arrow IPC file, one record batch each, under a
// single column. Rank-1 tensors are written as float32, rank-2 tensors as
// FixedSizeList<float32>; all batches must share the trailing width.
func Write(path, column string, batches []*tensor.Tensor) error {
	if len(batches) == 0 {
		return fmt.Errorf("arrowbatch: no batches")
	}
	first := batches[0]
	var dt arrow.DataType
	switch first.Rank() {
	case 1:
		dt = arrow.PrimitiveTypes.Float32
	case 2:
		dt = arrow.FixedSizeListOf(int32(first.Shape[1]), arrow.PrimitiveTypes.Float32)
	default:
		return fmt.Errorf("%w: rank %d batch", ErrType, first.Rank())
	}
	schema := arrow.NewSchema([]arrow.Field{{Name: column, Type: dt}}, nil)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("arrowbatch: %w", err)
	}

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	for i, x := range batches {
		if x.Rank() != first.Rank() || (x.Rank() == 2 && x.Shape[1] != first.Shape[1]) {
			_ = w.Close()
			return fmt.Errorf("arrowbatch: batch %d shape %s does not match %s", i, tensor.FormatShape(x.Shape), tensor.FormatShape(first.Shape))
		}
		switch fb := b.Field(0).(type) {
		case *array.Float32Builder:
			fb.AppendValues(x.Data, nil)
		case *array.FixedSizeListBuilder:
			vb := fb.ValueBuilder().(*array.Float32Builder)
			for r := 0; r < x.Shape[0]; r++ {
				fb.Append(true)
				vb.AppendValues(x.Data[r*x.Shape[1]:(r+1)*x.Shape[1]], nil)
			}
		}
		rec := b.NewRecord()
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			_ = w.Close()
			return fmt.Errorf("arrowbatch: write batch %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("arrowbatch: %w", err)
	}
	return f.Close()
}
