package assemble

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/wavfile"
)

// MediaTool generates, concatenates and measures clips.
type MediaTool interface {
	// Silence writes a mono silence clip lasting d.
	Silence(ctx context.Context, path string, d time.Duration) error
	// Concat joins inputs in order into output without re-encoding.
	Concat(ctx context.Context, inputs []string, output string) error
	// Probe returns the duration of the clip in seconds.
	Probe(ctx context.Context, path string) (float64, error)
}

// NewMediaTool selects the backend for cfg.
func NewMediaTool(cfg config.AssembleConfig) (MediaTool, error) {
	switch cfg.Mode {
	case "", "ffmpeg":
		return NewFFmpegTool(cfg.FFmpeg, cfg.FFprobe, cfg.SampleRate)
	case "wav":
		return NewWAVTool(cfg.SampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported assemble mode %q", cfg.Mode)
	}
}

// FFmpegTool shells out to ffmpeg and ffprobe.
type FFmpegTool struct {
	ffmpeg     []string
	ffprobe    []string
	sampleRate int
}

func NewFFmpegTool(ffmpeg, ffprobe string, sampleRate int) (*FFmpegTool, error) {
	parser := shellwords.NewParser()
	ffmpegArgs, err := parser.Parse(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	ffprobeArgs, err := parser.Parse(ffprobe)
	if err != nil {
		return nil, fmt.Errorf("parse ffprobe command: %w", err)
	}
	if len(ffmpegArgs) == 0 || len(ffprobeArgs) == 0 {
		return nil, fmt.Errorf("ffmpeg and ffprobe commands are required")
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &FFmpegTool{ffmpeg: ffmpegArgs, ffprobe: ffprobeArgs, sampleRate: sampleRate}, nil
}

func (f *FFmpegTool) Silence(ctx context.Context, path string, d time.Duration) error {
	_, err := run(ctx, f.ffmpeg,
		"-y", "-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", f.sampleRate),
		"-t", strconv.FormatFloat(d.Seconds(), 'f', -1, 64),
		path,
	)
	return err
}

func (f *FFmpegTool) Concat(ctx context.Context, inputs []string, output string) error {
	list, err := os.CreateTemp(filepath.Dir(output), "concat_*.txt")
	if err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	defer os.Remove(list.Name())
	_, werr := list.WriteString(ConcatList(inputs))
	if cerr := list.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write concat list: %w", werr)
	}
	_, err = run(ctx, f.ffmpeg, "-y", "-f", "concat", "-safe", "0", "-i", list.Name(), "-c", "copy", output)
	return err
}

func (f *FFmpegTool) Probe(ctx context.Context, path string) (float64, error) {
	out, err := run(ctx, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(out), 64)
}

// ConcatList renders the concat demuxer script for inputs.
func ConcatList(inputs []string) string {
	var sb strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return sb.String()
}

func run(ctx context.Context, base []string, args ...string) (string, error) {
	cmdArgs := append(append([]string{}, base[1:]...), args...)
	cmd := exec.CommandContext(ctx, base[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", filepath.Base(base[0]), err, lastLine(stderr.String()))
	}
	return stdout.String(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WAVTool assembles 16-bit PCM WAV clips natively. Concatenation copies
// samples without re-encoding and requires every input to share one format.
type WAVTool struct {
	sampleRate int
}

func NewWAVTool(sampleRate int) *WAVTool {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &WAVTool{sampleRate: sampleRate}
}

func (w *WAVTool) Silence(_ context.Context, path string, d time.Duration) error {
	return wavfile.WriteFile(path, wavfile.Silence(w.sampleRate, 1, d))
}

func (w *WAVTool) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}
	out, err := wavfile.ReadFile(inputs[0])
	if err != nil {
		return err
	}
	for _, in := range inputs[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := wavfile.ReadFile(in)
		if err != nil {
			return err
		}
		if buf.Format.SampleRate != out.Format.SampleRate || buf.Format.NumChannels != out.Format.NumChannels {
			return fmt.Errorf("concat: %s is %d Hz/%d ch, want %d Hz/%d ch", filepath.Base(in),
				buf.Format.SampleRate, buf.Format.NumChannels, out.Format.SampleRate, out.Format.NumChannels)
		}
		out.Data = append(out.Data, buf.Data...)
	}
	return wavfile.WriteFile(output, out)
}

func (w *WAVTool) Probe(_ context.Context, path string) (float64, error) {
	buf, err := wavfile.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return wavfile.Seconds(buf), nil
}
