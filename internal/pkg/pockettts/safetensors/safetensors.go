// Package safetensors reads the safetensors container used for exported
// voice prompts: an 8-byte little-endian header length, a JSON header
// describing each tensor, then the raw little-endian tensor bytes.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

var (
	ErrInvalidHeader    = errors.New("safetensors: invalid header")
	ErrTensorNotFound   = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

const maxHeaderSize = 100 << 20

type TensorInfo struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets [2]int  `json:"data_offsets"`
}

type File struct {
	Metadata map[string]string
	tensors  map[string]TensorInfo
	data     []byte
}

func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safetensors file: %w", err)
	}
	return Parse(data)
}

// Parse validates the header and every tensor's byte range. The returned
// File keeps a reference to data.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidHeader, len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrInvalidHeader, headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	f := &File{
		tensors: make(map[string]TensorInfo, len(raw)),
		data:    data[8+headerLen:],
	}
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidHeader, name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > len(f.data) {
			return nil, fmt.Errorf("%w: tensor %q offsets [%d, %d) outside %d data bytes",
				ErrInvalidHeader, name, start, end, len(f.data))
		}
		f.tensors[name] = info
	}
	return f, nil
}

func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.tensors[name]
	return info, ok
}

// Float32 returns the named tensor converted to float32 together with its
// shape. F32, F16 and BF16 are supported.
func (f *File) Float32(name string) ([]float32, []int64, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}

	count := int64(1)
	for _, d := range info.Shape {
		if d < 0 {
			return nil, nil, fmt.Errorf("%w: tensor %q has negative dimension", ErrInvalidHeader, name)
		}
		count *= d
	}

	raw := f.data[info.DataOffsets[0]:info.DataOffsets[1]]
	var width int64
	switch info.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, info.DType)
	}
	if int64(len(raw)) != count*width {
		return nil, nil, fmt.Errorf("%w: tensor %q has %d bytes, shape needs %d",
			ErrInvalidHeader, name, len(raw), count*width)
	}

	out := make([]float32, count)
	for i := range out {
		switch info.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		case "F16":
			out[i] = halfToFloat(binary.LittleEndian.Uint16(raw[2*i:]))
		case "BF16":
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
	}
	return out, append([]int64(nil), info.Shape...), nil
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise into a float32 normal
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
	case exp == 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// Tensor describes one float32 tensor to Encode.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Encode writes F32 tensors in safetensors layout. Used to export voice
// prompts and by tests.
func Encode(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var body []byte
	for _, t := range tensors {
		start := len(body)
		for _, v := range t.Data {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
		}
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[t.Name] = TensorInfo{DType: "F32", Shape: shape, DataOffsets: [2]int{start, len(body)}}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode safetensors header: %w", err)
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, body...), nil
}
