// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header, then raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/ptq/pkg/tensor"
)

// Element types understood by this package.
const (
	DTypeF32    = "F32"
	DTypeF16    = "F16"
	DTypeBF16   = "BF16"
	DTypeF8E4M3 = "F8_E4M3"
	DTypeI8     = "I8"
	DTypeU8     = "U8"
)

const maxHeaderLen = 100 << 20

var (
	ErrCorrupt     = errors.New("safetensors: corrupt file")
	ErrNotFound    = errors.New("safetensors: tensor not found")
	ErrUnsupported = errors.New("safetensors: unsupported dtype")
)

// TensorInfo locates one tensor. Start and End are relative to the data
// section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Slices returned by Raw alias the file
// mapping and are valid until Close.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	data      []byte
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and validates the header against the file size.
// When mmap is unavailable the file is read into memory instead.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fd.Close() }()

	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorrupt, path, size)
	}

	var (
		data    []byte
		mmapped bool
	)
	if m, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		data, mmapped = m, true
	} else {
		data = make([]byte, size)
		if _, err := fd.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
		}
	}

	f, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	f.mmapped = mmapped
	return f, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorrupt, headerLen)
	}
	dataStart := 8 + int64(headerLen)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:dataStart], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	f := &File{
		Path:      path,
		Tensors:   make(map[string]TensorInfo, len(raw)),
		data:      data,
		dataStart: dataStart,
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
		delete(raw, "__metadata__")
	}

	avail := int64(len(data)) - dataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorrupt, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: data_offsets must have 2 entries", ErrCorrupt, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > avail {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes", ErrCorrupt, name, info.Start, info.End, avail)
		}
		if info.Shape == nil {
			info.Shape = []int{}
		}
		if w := ElementSize(info.DType); w > 0 {
			n, err := tensor.NumElements(info.Shape)
			if err != nil {
				return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorrupt, name, err)
			}
			if int64(n*w) != info.End-info.Start {
				return nil, fmt.Errorf("%w: tensor %s: %d bytes for %s %s", ErrCorrupt, name, info.End-info.Start, info.DType, tensor.FormatShape(info.Shape))
			}
		}
		f.Tensors[name] = info
	}
	return f, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		err := unix.Munmap(f.data)
		f.data = nil
		f.mmapped = false
		return err
	}
	f.data = nil
	return nil
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the bytes of a tensor without copying.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: %s is closed", f.Path)
	}
	lo := f.dataStart + info.Start
	hi := f.dataStart + info.End
	return f.data[lo:hi:hi], info, nil
}

// ReadTensor decodes a floating-point tensor. F16 and BF16 values keep their
// dtype on the returned tensor.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, err
	}
	n, err := tensor.NumElements(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	out := make([]float32, n)
	var dt tensor.DType
	switch info.DType {
	case DTypeF32:
		dt = tensor.DTypeF32
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeBF16:
		dt = tensor.DTypeBF16
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case DTypeF16:
		dt = tensor.DTypeF16
		for i := range out {
			out[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupported, name, info.DType)
	}
	t, err := tensor.New(info.Shape, out)
	if err != nil {
		return nil, err
	}
	t.DType = dt
	return t, nil
}

// IsFloat reports whether dtype decodes through ReadTensor.
func IsFloat(dtype string) bool {
	switch dtype {
	case DTypeF32, DTypeF16, DTypeBF16:
		return true
	}
	return false
}

// ElementSize returns the byte width of dtype, or 0 if unknown.
func ElementSize(dtype string) int {
	switch dtype {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF8E4M3, DTypeI8, DTypeU8:
		return 1
	}
	return 0
}

// FromDType maps a tensor dtype to its safetensors name.
func FromDType(dt tensor.DType) (string, error) {
	switch dt {
	case tensor.DTypeF32:
		return DTypeF32, nil
	case tensor.DTypeF16:
		return DTypeF16, nil
	case tensor.DTypeBF16:
		return DTypeBF16, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, dt)
}
