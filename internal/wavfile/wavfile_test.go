package wavfile

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeReadRoundTrip(t *testing.T) {
	buf := Silence(24000, 1, 250*time.Millisecond)
	for i := range buf.Data {
		buf.Data[i] = i % 100
	}
	data, err := Encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Format.SampleRate != 24000 || got.Format.NumChannels != 1 {
		t.Fatalf("format = %+v", got.Format)
	}
	if len(got.Data) != 6000 || got.Data[99] != 99 {
		t.Fatalf("samples = %d, [99]=%d", len(got.Data), got.Data[99])
	}
	if math.Abs(Seconds(got)-0.25) > 1e-9 {
		t.Fatalf("seconds = %f", Seconds(got))
	}
}

func TestFromPCM16(t *testing.T) {
	buf, err := FromPCM16([]byte{0x01, 0x00, 0xFF, 0xFF}, 16000, 1)
	if err != nil {
		t.Fatalf("from pcm: %v", err)
	}
	if buf.Data[0] != 1 || buf.Data[1] != -1 {
		t.Fatalf("samples = %v", buf.Data)
	}
	if _, err := FromPCM16([]byte{0x01}, 16000, 1); err == nil {
		t.Fatalf("expected alignment error")
	}
}

func TestReadFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not audio at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); err == nil {
		t.Fatalf("expected error for invalid wav")
	}
}
