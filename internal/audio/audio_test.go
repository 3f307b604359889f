package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func tone(n int, freq float64, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestTimeStretchShortensByRatio(t *testing.T) {
	in := tone(22050, 220, 22050)
	out := TimeStretch(in, 1.1)
	want := int(float64(len(in)) / 1.1)
	if len(out) != want {
		t.Fatalf("expected %d samples, got %d", want, len(out))
	}
	var peak float32
	for _, s := range out[stretchFrame : len(out)-stretchFrame] {
		if s > peak {
			peak = s
		}
		if s > 1 || s < -1 {
			t.Fatalf("sample out of range: %v", s)
		}
	}
	if peak < 0.3 {
		t.Fatalf("stretched tone lost energy, peak=%v", peak)
	}
}

func TestTimeStretchIdentityAndShortInput(t *testing.T) {
	in := tone(4096, 440, 22050)
	out := TimeStretch(in, 1)
	if len(out) != len(in) || out[100] != in[100] {
		t.Fatal("ratio 1 must copy input")
	}
	short := []float32{0.1, 0.2, 0.3}
	if got := TimeStretch(short, 1.5); len(got) != 3 {
		t.Fatalf("short input must pass through, got %d samples", len(got))
	}
	if got := TimeStretch(nil, 1.1); len(got) != 0 {
		t.Fatal("expected empty output for empty input")
	}
}

func TestWriteWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.wav")
	samples := []float32{0, 0.5, -0.5, 1, -1, 2}
	if err := WriteWAV(path, samples, 22050); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 22050 {
		t.Fatalf("expected 22050 Hz, got %d", dec.SampleRate)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Data))
	}
	if buf.Data[1] != 16384 || buf.Data[5] != math.MaxInt16 {
		t.Fatalf("unexpected pcm values %v", buf.Data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the final artifact, found %d entries", len(entries))
	}
}

func TestWriteWAVOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteWAV(path, tone(1000, 440, 22050), 22050); err != nil {
		t.Fatal(err)
	}
	if err := WriteWAV(path, tone(10, 440, 22050), 22050); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 200 {
		t.Fatalf("expected second write to replace first, size=%d", info.Size())
	}
}
