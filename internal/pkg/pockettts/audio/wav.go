package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	NumChannels   = 1
	BitsPerSample = 16

	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

func (a *Audio) SaveWAV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := a.WriteWAV(w); err != nil {
		return err
	}
	return w.Flush()
}

// WriteWAV encodes the samples as 16-bit mono PCM.
func (a *Audio) WriteWAV(w io.Writer) error {
	dataSize := uint32(len(a.Samples) * NumChannels * (BitsPerSample / 8))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   formatPCM,
		NumChannels:   NumChannels,
		SampleRate:    uint32(a.SampleRate),
		ByteRate:      uint32(a.SampleRate * NumChannels * (BitsPerSample / 8)),
		BlockAlign:    NumChannels * (BitsPerSample / 8),
		BitsPerSample: BitsPerSample,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}

	pcm := make([]int16, len(a.Samples))
	for i, sample := range a.Samples {
		clamped := sample
		if clamped > 1.0 {
			clamped = 1.0
		} else if clamped < -1.0 {
			clamped = -1.0
		}
		pcm[i] = int16(clamped * math.MaxInt16)
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

// DecodeWAV reads a RIFF/WAVE buffer. Integer PCM of 8, 16, 24 and 32 bits
// and IEEE float of 32 and 64 bits are accepted; channels are averaged.
func DecodeWAV(data []byte) (*Audio, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bits       int
		haveFmt    bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			if id != "data" {
				return nil, fmt.Errorf("truncated %q chunk", id)
			}
			// Streaming writers leave the data size unset; take what is there.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if format == formatExtensible && size >= 26 {
				format = binary.LittleEndian.Uint16(data[body+24:])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if channels == 0 || sampleRate == 0 {
				return nil, fmt.Errorf("invalid wav format: %d channels at %d Hz", channels, sampleRate)
			}
			samples, err := decodePCM(data[body:end], format, bits)
			if err != nil {
				return nil, err
			}
			return NewAudio(downmix(samples, channels), sampleRate), nil
		}

		pos = end + size%2
	}

	return nil, fmt.Errorf("wav has no data chunk")
}

func decodePCM(raw []byte, format uint16, bits int) ([]float32, error) {
	width := bits / 8
	if width == 0 {
		return nil, fmt.Errorf("invalid bits per sample: %d", bits)
	}
	n := len(raw) / width
	out := make([]float32, n)

	switch {
	case format == formatPCM && bits == 8:
		for i := 0; i < n; i++ {
			out[i] = (float32(raw[i]) - 128) / 128
		}
	case format == formatPCM && bits == 16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
		}
	case format == formatPCM && bits == 24:
		for i := 0; i < n; i++ {
			b := raw[3*i:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float32(v) / (1 << 23)
		}
	case format == formatPCM && bits == 32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[4*i:]))) / (1 << 31)
		}
	case format == formatIEEEFloat && bits == 32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case format == formatIEEEFloat && bits == 64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	default:
		return nil, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupportedFormat, format, bits)
	}
	return out, nil
}
