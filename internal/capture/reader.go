package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/talkie-voice-lab/internal/logging"
)

// ReaderSource cuts a raw s16le mono stream (for example the stdout of
// `arecord -f S16_LE -c1 -r16000`) into chunks of a fixed duration.
type ReaderSource struct {
	r          io.ReadCloser
	sampleRate int
	perChunk   int

	chunks chan Chunk
	err    error // set before chunks is closed

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReaderSource starts reading from r in the background.
func NewReaderSource(r io.ReadCloser, sampleRate int, chunkDuration time.Duration) *ReaderSource {
	perChunk := int(int64(sampleRate) * int64(chunkDuration) / int64(time.Second))
	if perChunk <= 0 {
		perChunk = sampleRate
	}
	s := &ReaderSource{
		r:          r,
		sampleRate: sampleRate,
		perChunk:   perChunk,
		chunks:     make(chan Chunk, 4),
		closed:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *ReaderSource) readLoop() {
	defer close(s.chunks)
	buf := make([]byte, s.perChunk*2)
	for {
		started := time.Now()
		n, err := io.ReadFull(s.r, buf)
		if err != nil {
			select {
			case <-s.closed:
				s.err = ErrClosed
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					s.err = io.EOF
				} else {
					s.err = err
				}
			}
			if n > 0 {
				logging.Debugw("capture: dropping partial chunk", "bytes", n)
			}
			return
		}
		samples := make([]int16, s.perChunk)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
		}
		c := Chunk{Samples: samples, SampleRate: s.sampleRate, CapturedAt: started, RMS: RMS(samples)}
		select {
		case s.chunks <- c:
		case <-s.closed:
			s.err = ErrClosed
			return
		}
	}
}

// Next returns the next chunk in arrival order. It returns io.EOF when the
// stream ends, ErrClosed after Close and the read error otherwise.
func (s *ReaderSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-s.closed:
		return Chunk{}, ErrClosed
	case c, ok := <-s.chunks:
		if !ok {
			return Chunk{}, s.err
		}
		return c, nil
	}
}

// Close stops capture and makes any blocked Next return ErrClosed.
func (s *ReaderSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.r.Close()
	})
	return err
}
