// Package wavfile reads and writes 16-bit PCM WAV clips.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// FromPCM16 wraps little-endian signed 16-bit PCM into a buffer.
func FromPCM16(pcm []byte, sampleRate, channels int) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}, nil
}

// Silence returns a zero-valued buffer lasting d.
func Silence(sampleRate, channels int, d time.Duration) *audio.IntBuffer {
	frames := int(int64(sampleRate) * d.Milliseconds() / 1000)
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: bitDepth,
	}
}

// Seconds is the playback length of buf.
func Seconds(buf *audio.IntBuffer) float64 {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate == 0 {
		return 0
	}
	return float64(buf.NumFrames()) / float64(buf.Format.SampleRate)
}

// Write encodes buf as a WAV stream into w.
func Write(w io.WriteSeeker, buf *audio.IntBuffer) error {
	if buf == nil || buf.Format == nil {
		return errors.New("wav buffer has no format")
	}
	enc := wav.NewEncoder(w, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Encode returns buf as WAV file bytes.
func Encode(buf *audio.IntBuffer) ([]byte, error) {
	var mf memFile
	if err := Write(&mf, buf); err != nil {
		return nil, err
	}
	return mf.buf, nil
}

// WriteFile writes buf to path.
func WriteFile(path string, buf *audio.IntBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile decodes the whole clip at path.
func ReadFile(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil {
		buf.Format = &audio.Format{NumChannels: int(d.NumChans), SampleRate: int(d.SampleRate)}
	}
	return buf, nil
}

// memFile is an in-memory io.WriteSeeker for the encoder, which patches the
// header sizes after the samples are written.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, errors.New("invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}
