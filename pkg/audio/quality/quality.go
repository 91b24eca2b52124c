// Package quality measures signal statistics of a canonical audio window.
//
// All metrics derive purely from the samples; the assessor keeps no state
// and is safe for concurrent use. Scores feed two decisions downstream:
// whether a window is worth denoising (SNR below threshold) and the
// quality figures reported in batch metadata.
package quality

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/voxtail/voxtail/pkg/types"
)

// Voice band edges in Hz. Low catches fundamental pitch, mid the vowel
// formants, high the consonant energy and sibilance.
const (
	lowBandMin  = 80.0
	lowBandMax  = 250.0
	midBandMax  = 2000.0
	highBandMax = 8000.0
)

// epsilon keeps divisions and logarithms finite on silent input.
const epsilon = 1e-10

// Assess computes the quality metrics of a canonical 16 kHz mono window.
// An empty window yields the zero value.
func Assess(w types.AudioWindow) types.QualityMetrics {
	samples := pcmToFloat64(w.PCM)
	if len(samples) == 0 {
		return types.QualityMetrics{}
	}

	var sum, sumSquares float64
	for _, s := range samples {
		sum += s
		sumSquares += s * s
	}
	n := float64(len(samples))
	mean := sum / n
	meanSquare := sumSquares / n

	// Variance of the mean-removed signal approximates the noise power;
	// the raw power over it approximates signal-plus-noise over noise.
	var variance, absSum float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
		absSum += math.Abs(s)
	}
	variance /= n
	meanAbs := absSum / n

	snr := 10 * math.Log10(meanSquare/(variance+epsilon)+epsilon)
	clarity := clip((snr+10)/30, 0, 1)
	volume := math.Sqrt(meanSquare)
	distortion := clip(math.Sqrt(variance)/(meanAbs+epsilon), 0, 1)

	return types.QualityMetrics{
		SNRDB:      snr,
		Clarity:    clarity,
		Volume:     volume,
		BandEnergy: bandEnergy(samples, w.SampleRate),
		Distortion: distortion,
	}
}

// bandEnergy runs a single real FFT over the whole window and averages the
// bin magnitudes falling inside each voice band.
func bandEnergy(samples []float64, sampleRate int) types.BandEnergy {
	if len(samples) < 2 || sampleRate <= 0 {
		return types.BandEnergy{}
	}

	fft := fourier.NewFFT(len(samples))
	coeffs := fft.Coefficients(nil, samples)

	binWidth := float64(sampleRate) / float64(len(samples))

	var sums [3]float64
	var counts [3]int
	for i, c := range coeffs {
		freq := float64(i) * binWidth
		var band int
		switch {
		case freq >= lowBandMin && freq < lowBandMax:
			band = 0
		case freq >= lowBandMax && freq < midBandMax:
			band = 1
		case freq >= midBandMax && freq < highBandMax:
			band = 2
		default:
			continue
		}
		sums[band] += cmplx.Abs(c)
		counts[band]++
	}

	var out types.BandEnergy
	if counts[0] > 0 {
		out.Low = sums[0] / float64(counts[0])
	}
	if counts[1] > 0 {
		out.Mid = sums[1] / float64(counts[1])
	}
	if counts[2] > 0 {
		out.High = sums[2] / float64(counts[2])
	}
	return out
}

// pcmToFloat64 converts 16-bit signed little-endian PCM to float64 samples
// normalised to [-1, 1]. A trailing odd byte is ignored.
func pcmToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	samples := make([]float64, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float64(sample) / 32768.0
	}
	return samples
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
