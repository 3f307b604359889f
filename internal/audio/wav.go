package audio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth      = 16
	pcmFormat     = 1
	monoChannels  = 1
	int16MaxValue = math.MaxInt16
)

// WriteWAV encodes mono float samples in [-1, 1] as 16-bit PCM and replaces
// path atomically: the file is written next to path and renamed over it.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".speak-*.wav")
	if err != nil {
		return fmt.Errorf("create temp wav: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	enc := wav.NewEncoder(tmp, sampleRate, bitDepth, monoChannels, pcmFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: monoChannels, SampleRate: sampleRate},
		Data:           toPCM16(samples),
		SourceBitDepth: bitDepth,
	}
	if err = enc.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err = enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finish wav: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp wav: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func toPCM16(samples []float32) []int {
	data := make([]int, len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(math.Round(v * int16MaxValue))
	}
	return data
}
