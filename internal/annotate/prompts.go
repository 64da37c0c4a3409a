package annotate

import (
	"fmt"
	"strings"
)

const CleanSystemPrompt = `You are a text cleaning assistant for audiobook production.
Classify the sentence and decide whether it is part of the narrative.

Reply with one JSON object:
{
  "is_noise": true or false,
  "content_type": "dialogue|narration|description|quote|footnote|noise",
  "speaker": "character name, or 无 when there is none",
  "noise_type": "footer|sidenote|footnote|other|null",
  "cleaned_text": "cleaned sentence, or null when unchanged",
  "confidence": 0.95
}`

const EmotionSystemPrompt = `Score the emotional colour of the sentence as an 8 dimensional vector.

Dimensions, in order: joy, anger, sadness, fear, disgust, melancholy, surprise, calm.
The components are floats in [0, 1] and sum to 1.

Reply with one JSON object:
{
  "emotion_vector": [0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.3],
  "primary_emotion": "calm",
  "emotion_intensity": 0.5,
  "reasoning": "short explanation"
}`

// UserPrompt renders the sentence and its preceding context.
func UserPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sentence:\n%q\n", req.Text)
	if len(req.Context) > 0 {
		fmt.Fprintf(&sb, "\nPreceding context (%d sentences):\n", len(req.Context))
		for _, c := range req.Context {
			sb.WriteString(c)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\nAnswer in JSON.")
	return sb.String()
}
