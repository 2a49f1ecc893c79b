// Package capture turns raw audio streams into fixed-duration mono chunks
// for the turn pipeline.
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrClosed is returned by Next once the source has been closed.
var ErrClosed = errors.New("capture: source closed")

// Chunk is one fixed-duration buffer of mono 16-bit PCM.
type Chunk struct {
	Samples    []int16
	SampleRate int
	CapturedAt time.Time
	RMS        float64
}

// Duration of the chunk's audio.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// WAV encodes the chunk as a RIFF/WAVE file.
func (c Chunk) WAV() []byte {
	return EncodeWAV(c.Samples, c.SampleRate)
}

// Source yields chunks in capture order. Next blocks until a full chunk is
// available; after Close it returns ErrClosed promptly.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// RMS is the root mean square of samples on the int16 scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// EncodeWAV wraps 16-bit little-endian mono PCM in a RIFF/WAVE header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const channels, bitsPerSample = 1, 16
	dataLen := uint32(len(samples) * 2)
	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataLen)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*bitsPerSample/8))
	binary.Write(buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	binary.Write(buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// DecodeWAV reads mono 16-bit PCM back out of a file produced by EncodeWAV
// or any canonical 44-byte-header WAV. It walks chunks so LIST headers are
// tolerated.
func DecodeWAV(b []byte) ([]int16, int, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, errors.New("capture: not a RIFF/WAVE file")
	}
	sampleRate := 0
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size >= 16 {
				sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			}
		case "data":
			samples := make([]int16, size/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(b[body+2*i:]))
			}
			return samples, sampleRate, nil
		}
		off = body + size + size%2
	}
	return nil, 0, errors.New("capture: no data chunk")
}
