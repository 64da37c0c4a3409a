// Package synth wraps the external voice synthesis service. One call turns a
// sentence plus a reference recording into a complete audio clip.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// EmotionMode tells the service how to colour the voice.
type EmotionMode int

const (
	EmotionNone   EmotionMode = 0
	EmotionPreset EmotionMode = 1
	EmotionVector EmotionMode = 2
)

// Request describes one sentence to synthesize.
type Request struct {
	Text         string
	SpeakerAudio string
	OutputName   string
	EmotionMode  EmotionMode
	Emotion      []float64
}

// Synthesizer is the contract for producing one clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ErrTerminal marks failures that retrying cannot fix.
var ErrTerminal = errors.New("terminal synthesis failure")

// Terminal wraps err so that errors.Is(err, ErrTerminal) holds.
func Terminal(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// RequestFor builds the request for a sentence. The explicit emotion vector
// mode is used only when the sentence carries a vector.
func RequestFor(s *book.Sentence, speakerAudio string) Request {
	req := Request{
		Text:         s.Text,
		SpeakerAudio: speakerAudio,
		OutputName:   s.ID,
		EmotionMode:  EmotionNone,
	}
	if len(s.EmotionVector) > 0 {
		req.EmotionMode = EmotionVector
		req.Emotion = s.EmotionVector
	}
	return req
}

// FormatVector joins vector components with commas.
func FormatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// New selects the synthesis backend for cfg.
func New(cfg config.SynthConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		logger.Info("using mock synthesizer")
		return NewMockSynth(cfg.SampleRate, 20*time.Millisecond), nil
	case "http":
		return NewHTTPSynth(cfg.Endpoint, nil)
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate)
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Mode)
	}
}
