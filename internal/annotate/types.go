// Package annotate wraps the external text annotation service: sentence
// cleaning (noise, content type, speaker) and emotion scoring.
package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Kind selects the annotation variant.
type Kind string

const (
	KindClean   Kind = "clean"
	KindEmotion Kind = "emotion"
)

// Request is one annotation call.
type Request struct {
	Kind    Kind
	System  string
	Text    string
	Context []string
}

// Annotator is a pluggable annotation backend. It returns the raw JSON object
// produced by the service.
type Annotator interface {
	Annotate(ctx context.Context, req Request) ([]byte, error)
}

// Cleaning is the cleaning variant response.
type Cleaning struct {
	IsNoise     bool    `json:"is_noise"`
	ContentType string  `json:"content_type"`
	Speaker     string  `json:"speaker"`
	NoiseType   string  `json:"noise_type,omitempty"`
	CleanedText string  `json:"cleaned_text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Emotion is the emotion variant response.
type Emotion struct {
	Vector    []float64 `json:"emotion_vector"`
	Primary   string    `json:"primary_emotion"`
	Intensity float64   `json:"emotion_intensity"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// Content types accepted from the service.
var ContentTypes = []string{"narration", "dialogue", "description", "quote", "footnote", "noise"}

// Clean asks the annotator to classify and clean one sentence.
func Clean(ctx context.Context, a Annotator, text string, prior []string) (Cleaning, error) {
	raw, err := a.Annotate(ctx, Request{Kind: KindClean, System: CleanSystemPrompt, Text: text, Context: prior})
	if err != nil {
		return Cleaning{}, err
	}
	var out Cleaning
	if err := json.Unmarshal(raw, &out); err != nil {
		return Cleaning{}, fmt.Errorf("decode cleaning response: %w", err)
	}
	out.ContentType = normalizeContentType(out.ContentType, out.IsNoise)
	return out, nil
}

// Score asks the annotator for the emotion of one sentence. The returned
// vector is normalized; a malformed vector is dropped.
func Score(ctx context.Context, a Annotator, text string, prior []string) (Emotion, error) {
	raw, err := a.Annotate(ctx, Request{Kind: KindEmotion, System: EmotionSystemPrompt, Text: text, Context: prior})
	if err != nil {
		return Emotion{}, err
	}
	var out struct {
		Emotion
		Intensity *float64 `json:"intensity"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Emotion{}, fmt.Errorf("decode emotion response: %w", err)
	}
	em := out.Emotion
	if em.Intensity == 0 && out.Intensity != nil {
		em.Intensity = *out.Intensity
	}
	em.Vector = NormalizeVector(em.Vector)
	return em, nil
}

// NormalizeVector clamps components to be non-negative and scales them to sum
// to 1. It returns nil unless the vector has book.EmotionDims components and a
// positive sum.
func NormalizeVector(v []float64) []float64 {
	if len(v) != book.EmotionDims {
		return nil
	}
	out := make([]float64, len(v))
	sum := 0.0
	for i, x := range v {
		if math.IsNaN(x) || x < 0 {
			x = 0
		}
		out[i] = x
		sum += x
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		return nil
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalizeContentType(ct string, noise bool) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, known := range ContentTypes {
		if ct == known {
			return ct
		}
	}
	if noise {
		return "noise"
	}
	return "narration"
}

// New selects the annotation backend for cfg. Without a credential the openai
// mode degrades to the mock so the pipeline stays runnable offline.
func New(cfg config.AnnotateConfig, logger *slog.Logger) (Annotator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockAnnotator(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.Warn("annotation api key not set, using mock annotator")
			return NewMockAnnotator(), nil
		}
		return NewOpenAIAnnotator(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.Temperature, nil), nil
	case "exec":
		return NewExecAnnotator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported annotate mode %q", cfg.Mode)
	}
}
