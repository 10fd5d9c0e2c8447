package mcf

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"unsafe"

	"github.com/goccy/go-json"
)

const TensorIndexVersion uint32 = 2

// TensorDType identifies the element encoding of a tensor payload.
type TensorDType string

const DTypeF32 TensorDType = "f32"

// TensorEntry locates one tensor. Offset is absolute within the file.
type TensorEntry struct {
	Name   string      `json:"name"`
	DType  TensorDType `json:"dtype"`
	Shape  []int       `json:"shape"`
	Offset uint64      `json:"offset"`
	Size   uint64      `json:"size"`
}

// Elements returns the product of the shape.
func (e TensorEntry) Elements() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// TensorIndex is the decoded SectionTensorIndex payload. Entries are sorted
// by name.
type TensorIndex struct {
	Tensors []TensorEntry `json:"tensors"`
}

// ReadTensorIndex decodes the tensor index of f and checks every entry
// against the tensor data section.
func ReadTensorIndex(f *File) (*TensorIndex, error) {
	raw, err := f.Bytes(SectionTensorIndex)
	if err != nil {
		return nil, err
	}
	var ti TensorIndex
	if err := json.Unmarshal(raw, &ti); err != nil {
		return nil, fmt.Errorf("%w: tensor index: %v", ErrCorruptFile, err)
	}
	data, ok := f.Section(SectionTensorData)
	if !ok && len(ti.Tensors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionTensorData)
	}
	for _, e := range ti.Tensors {
		if e.DType != DTypeF32 {
			return nil, fmt.Errorf("%w: tensor %s has dtype %q", ErrCorruptFile, e.Name, e.DType)
		}
		if e.Size != uint64(e.Elements())*4 {
			return nil, fmt.Errorf("%w: tensor %s size %d does not match shape", ErrCorruptFile, e.Name, e.Size)
		}
		if e.Offset < data.Offset || e.Offset+e.Size > data.End() {
			return nil, fmt.Errorf("%w: tensor %s outside tensor data", ErrCorruptFile, e.Name)
		}
	}
	slices.SortFunc(ti.Tensors, func(a, b TensorEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return &ti, nil
}

// Find looks up a tensor by name.
func (ti *TensorIndex) Find(name string) (TensorEntry, bool) {
	i, ok := slices.BinarySearchFunc(ti.Tensors, name, func(e TensorEntry, n string) int {
		switch {
		case e.Name < n:
			return -1
		case e.Name > n:
			return 1
		}
		return 0
	})
	if !ok {
		return TensorEntry{}, false
	}
	return ti.Tensors[i], true
}

// Float32s returns the payload of e as float32 values. Aligned payloads on
// little-endian hosts are returned without copying and alias f.Data.
func Float32s(f *File, e TensorEntry) ([]float32, error) {
	if f.Data == nil || e.Offset+e.Size > uint64(len(f.Data)) {
		return nil, ErrCorruptFile
	}
	raw := f.Data[e.Offset : e.Offset+e.Size]
	n := len(raw) / 4
	if n == 0 {
		return []float32{}, nil
	}
	if nativeLittleEndian && uintptr(unsafe.Pointer(&raw[0]))%4 == 0 {
		return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n), nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

var nativeLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// TensorWriter streams float32 tensors into SectionTensorData and builds the
// matching index.
type TensorWriter struct {
	sw      *SectionWriter
	entries []TensorEntry
	scratch []byte
}

// BeginTensors opens SectionTensorData on w.
func (w *Writer) BeginTensors() (*TensorWriter, error) {
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return nil, err
	}
	w.AddFlags(FlagTensorDataAligned64)
	return &TensorWriter{sw: sw}, nil
}

// Add appends one tensor at the next 64-byte boundary.
func (tw *TensorWriter) Add(name string, shape []int, data []float32) error {
	e := TensorEntry{Name: name, DType: DTypeF32, Shape: slices.Clone(shape)}
	if e.Elements() != len(data) {
		return fmt.Errorf("mcf: tensor %s: shape %v holds %d values, got %d", name, shape, e.Elements(), len(data))
	}
	if err := tw.sw.Align(TensorAlign); err != nil {
		return err
	}
	e.Offset = tw.sw.Offset()
	e.Size = uint64(len(data)) * 4

	if cap(tw.scratch) < len(data)*4 {
		tw.scratch = make([]byte, len(data)*4)
	}
	buf := tw.scratch[:len(data)*4]
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := tw.sw.Write(buf); err != nil {
		return err
	}
	tw.entries = append(tw.entries, e)
	return nil
}

// Close ends the data section and writes SectionTensorIndex.
func (tw *TensorWriter) Close() error {
	if err := tw.sw.End(); err != nil {
		return err
	}
	raw, err := json.Marshal(TensorIndex{Tensors: tw.entries})
	if err != nil {
		return err
	}
	return tw.sw.w.WriteSection(SectionTensorIndex, TensorIndexVersion, raw)
}
