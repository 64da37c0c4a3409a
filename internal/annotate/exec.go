package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execAnnotator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Kind    Kind     `json:"kind"`
	System  string   `json:"system"`
	Text    string   `json:"text"`
	Context []string `json:"context"`
}

// NewExecAnnotator runs command once per request, writing the request as JSON
// to stdin and reading one JSON object from stdout.
func NewExecAnnotator(command string) (Annotator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse annotate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("annotate command empty")
	}
	return &execAnnotator{cmd: args}, nil
}

func (a *execAnnotator) Annotate(ctx context.Context, req Request) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	input, err := json.Marshal(execRequest{Kind: req.Kind, System: req.System, Text: req.Text, Context: req.Context})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, a.cmd[0], a.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("annotate exec command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	output = bytes.TrimSpace(output)
	if !json.Valid(output) {
		return nil, fmt.Errorf("annotate exec command returned non-JSON output")
	}
	return output, nil
}
