package audio

import "math"

const (
	stretchFrame     = 1024
	stretchHop       = stretchFrame / 2
	stretchTolerance = stretchHop / 2
)

// TimeStretch changes tempo by ratio without changing pitch, using
// waveform-similarity overlap-add. ratio > 1 speeds speech up, so the result
// holds roughly len(samples)/ratio samples. Inputs shorter than one analysis
// frame are returned unchanged.
func TimeStretch(samples []float32, ratio float64) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)
	if ratio <= 0 || ratio == 1 || len(samples) < stretchFrame {
		return out
	}

	outLen := int(float64(len(samples)) / ratio)
	acc := make([]float64, outLen+stretchFrame)
	norm := make([]float64, outLen+stretchFrame)
	window := hann(stretchFrame)
	last := len(samples) - stretchFrame

	prev := -1
	for outPos := 0; outPos < outLen; outPos += stretchHop {
		pos := min(int(float64(outPos)*ratio), last)
		if prev >= 0 {
			pos = bestOverlap(samples, pos, prev+stretchHop, last)
		}
		for i := 0; i < stretchFrame; i++ {
			acc[outPos+i] += float64(samples[pos+i]) * window[i]
			norm[outPos+i] += window[i]
		}
		prev = pos
	}

	result := make([]float32, outLen)
	for i := range result {
		if norm[i] > 1e-3 {
			result[i] = float32(acc[i] / norm[i])
		}
	}
	return result
}

// bestOverlap searches around nominal for the frame start whose leading half
// best matches the natural continuation of the previously copied frame.
func bestOverlap(samples []float32, nominal, continuation, last int) int {
	if continuation+stretchHop > len(samples) {
		return nominal
	}
	ref := samples[continuation : continuation+stretchHop]
	best := nominal
	bestScore := math.Inf(-1)
	for d := -stretchTolerance; d <= stretchTolerance; d++ {
		cand := nominal + d
		if cand < 0 || cand > last {
			continue
		}
		var score float64
		for i, r := range ref {
			score += float64(r) * float64(samples[cand+i])
		}
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
