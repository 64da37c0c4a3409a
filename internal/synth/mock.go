package synth

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/wavfile"
)

const (
	mockPerRune = 60 * time.Millisecond
	mockMinClip = 200 * time.Millisecond
	mockMaxClip = 10 * time.Second
)

type mockSynth struct {
	sampleRate int
	latency    time.Duration
}

// NewMockSynth returns an offline synthesizer producing a quiet tone whose
// length follows the text length.
func NewMockSynth(sampleRate int, latency time.Duration) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockSynth{sampleRate: sampleRate, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.latency):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := time.Duration(utf8.RuneCountInString(req.Text)) * mockPerRune
	d = min(max(d, mockMinClip), mockMaxClip)
	buf := wavfile.Silence(m.sampleRate, 1, d)
	for i := range buf.Data {
		buf.Data[i] = int(600 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	return wavfile.Encode(buf)
}
