package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/wavfile"
)

type execSynth struct {
	cmd        []string
	sampleRate int
}

type execRequest struct {
	Text          string      `json:"text"`
	SpeakerAudio  string      `json:"speaker_audio"`
	OutputName    string      `json:"output_filename"`
	EmotionMode   EmotionMode `json:"emotion_mode"`
	EmotionVector []float64   `json:"emotion_vector,omitempty"`
	SampleRate    int         `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs command once per sentence. The command reads a JSON
// request on stdin and streams JSON lines of base64 mono s16le PCM on stdout;
// the chunks are wrapped into one WAV clip.
func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	input, err := json.Marshal(execRequest{
		Text:          req.Text,
		SpeakerAudio:  req.SpeakerAudio,
		OutputName:    req.OutputName,
		EmotionMode:   req.EmotionMode,
		EmotionVector: req.Emotion,
		SampleRate:    e.sampleRate,
	})
	if err != nil {
		return nil, Terminal(err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("synth command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var pcm []byte
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("decode synth output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return nil, fmt.Errorf("decode synth pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errors.New("synth command produced no audio")
	}
	buf, err := wavfile.FromPCM16(pcm, e.sampleRate, 1)
	if err != nil {
		return nil, err
	}
	return wavfile.Encode(buf)
}
