package annotate

import (
	"context"
	"encoding/json"
	"fmt"
)

type mockAnnotator struct{}

// NewMockAnnotator returns a deterministic offline annotator: every sentence
// is calm narration without a speaker.
func NewMockAnnotator() Annotator { return &mockAnnotator{} }

func (m *mockAnnotator) Annotate(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch req.Kind {
	case KindClean:
		return json.Marshal(map[string]any{
			"is_noise":     false,
			"content_type": "narration",
			"speaker":      "无",
			"noise_type":   nil,
			"cleaned_text": nil,
			"confidence":   0.99,
		})
	case KindEmotion:
		return json.Marshal(map[string]any{
			"emotion_vector":    []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.3},
			"primary_emotion":   "平静",
			"emotion_intensity": 0.5,
			"reasoning":         "mock",
		})
	default:
		return nil, fmt.Errorf("unknown annotation kind %q", req.Kind)
	}
}
