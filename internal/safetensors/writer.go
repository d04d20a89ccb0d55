package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// EntryFromTensor encodes t in its own dtype.
func EntryFromTensor(name string, t *tensor.Tensor) (Entry, error) {
	if t.IsMeta() {
		return Entry{}, fmt.Errorf("safetensors: %s: %w", name, tensor.ErrMeta)
	}
	dt, err := FromDType(t.DType)
	if err != nil {
		return Entry{}, fmt.Errorf("safetensors: %s: %w", name, err)
	}
	w := ElementSize(dt)
	buf := make([]byte, len(t.Data)*w)
	for i, v := range t.Data {
		switch dt {
		case DTypeF32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		case DTypeF16:
			binary.LittleEndian.PutUint16(buf[i*2:], tensor.F32ToF16(v))
		case DTypeBF16:
			binary.LittleEndian.PutUint16(buf[i*2:], tensor.F32ToBF16(v))
		}
	}
	return Entry{Name: name, DType: dt, Shape: append([]int{}, t.Shape...), Data: buf}, nil
}

// Write stores entries in order, with the header padded so that the data
// section starts on an 8-byte boundary. The file is written to a temporary
// sibling and renamed into place.
func Write(path string, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, e := range entries {
		if e.Name == "" || e.Name == "__metadata__" {
			return fmt.Errorf("safetensors: invalid tensor name %q", e.Name)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor %q", e.Name)
		}
		if w := ElementSize(e.DType); w > 0 {
			n, err := tensor.NumElements(e.Shape)
			if err != nil {
				return fmt.Errorf("safetensors: %s: %w", e.Name, err)
			}
			if n*w != len(e.Data) {
				return fmt.Errorf("safetensors: %s: %d bytes for %s %s", e.Name, len(e.Data), e.DType, tensor.FormatShape(e.Shape))
			}
		}
		shape := e.Shape
		if shape == nil {
			shape = []int{}
		}
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       shape,
			DataOffsets: []int64{off, off + int64(len(e.Data))},
		}
		off += int64(len(e.Data))
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriterSize(tmp, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.Data); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
