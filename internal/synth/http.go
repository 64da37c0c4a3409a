package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const referenceCacheSize = 32

type httpSynth struct {
	endpoint string
	client   *http.Client
	refs     *lru.Cache[string, []byte]
}

// NewHTTPSynth posts multipart requests to endpoint. Reference recordings are
// few and reused by every sentence of a voice, so their bytes are cached.
func NewHTTPSynth(endpoint string, client *http.Client) (Synthesizer, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("synth endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := lru.New[string, []byte](referenceCacheSize)
	if err != nil {
		return nil, err
	}
	return &httpSynth{endpoint: endpoint, client: client, refs: cache}, nil
}

func (h *httpSynth) reference(path string) ([]byte, error) {
	if data, ok := h.refs.Get(path); ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Terminal(fmt.Errorf("speaker audio not found: %s", path))
		}
		return nil, err
	}
	h.refs.Add(path, data)
	return data, nil
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	ref, err := h.reference(req.SpeakerAudio)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"text", req.Text},
		{"output_filename", req.OutputName},
		{"emotion_mode", strconv.Itoa(int(req.EmotionMode))},
	}
	if req.EmotionMode == EmotionVector && len(req.Emotion) > 0 {
		fields = append(fields, [2]string{"emotion_vector", FormatVector(req.Emotion)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("speaker_audio", filepath.Base(req.SpeakerAudio))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(ref); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return nil, Terminal(err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("synth service returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if retryableStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, Terminal(err)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synth response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("empty response from synth service")
	}
	return audio, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
