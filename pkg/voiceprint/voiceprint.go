// Package voiceprint extracts fixed-length speaker embeddings from
// canonical audio windows.
//
// The embedding is a 39-dimensional statistical summary of 13 MFCCs
// computed over Hann-windowed 2048-point FFT frames with a hop of 512
// samples: the per-coefficient mean, the per-coefficient standard
// deviation, and the mean of the first-order deltas. Two windows of the
// same voice land close under cosine similarity; different voices spread
// apart. It is nowhere near research-grade speaker verification, but it
// separates a handful of meeting participants reliably.
package voiceprint

import (
	"errors"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/voxtail/voxtail/pkg/types"
)

const (
	fftSize       = 2048
	hopSize       = 512
	numMFCC       = 13
	numMelFilters = 26

	// Dim is the embedding dimensionality: [mean, std, meanDelta] over
	// 13 MFCCs. Constant for the lifetime of the process; the registry
	// and diarizer fail fast on anything else.
	Dim = 3 * numMFCC
)

// ErrDimensionMismatch is returned by [Cosine] when the two vectors do not
// share the same length.
var ErrDimensionMismatch = errors.New("voiceprint: embedding dimension mismatch")

// Extractor computes speaker embeddings. It precomputes the FFT plan, the
// Hann window, and the mel filterbank once; Extract is then safe for
// concurrent use because each call works on its own buffers.
type Extractor struct {
	fft        *fourier.FFT
	window     []float64
	melFilters [][]float64
}

// NewExtractor builds an Extractor for canonical 16 kHz windows.
func NewExtractor(sampleRate int) *Extractor {
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	return &Extractor{
		fft:        fourier.NewFFT(fftSize),
		window:     window,
		melFilters: melFilterbank(numMelFilters, fftSize, sampleRate),
	}
}

// Extract computes the 39-dimensional embedding of w. On any numerical
// failure (too-short input, silent audio yielding degenerate statistics)
// it returns a zero vector of the correct dimension and logs a warning,
// so downstream clustering stays defined.
func (e *Extractor) Extract(w types.AudioWindow) []float64 {
	samples := pcmToFloat64(w.PCM)

	numFrames := 0
	if len(samples) >= fftSize {
		numFrames = 1 + (len(samples)-fftSize)/hopSize
	}
	if numFrames == 0 {
		slog.Warn("voiceprint: window too short for embedding, returning zero vector",
			"samples", len(samples), "needed", fftSize)
		return make([]float64, Dim)
	}

	mfccs := make([][]float64, numFrames)
	windowed := make([]float64, fftSize)
	for i := range numFrames {
		start := i * hopSize
		for j := range fftSize {
			windowed[j] = samples[start+j] * e.window[j]
		}
		coeffs := e.fft.Coefficients(nil, windowed)
		mfccs[i] = e.mfcc(coeffs)
	}

	emb := aggregate(mfccs)
	for _, v := range emb {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			slog.Warn("voiceprint: non-finite value in embedding, returning zero vector")
			return make([]float64, Dim)
		}
	}
	return emb
}

// mfcc applies the mel filterbank to the power spectrum, log-compresses,
// and takes a DCT-II to decorrelate.
func (e *Extractor) mfcc(coeffs []complex128) []float64 {
	melEnergies := make([]float64, numMelFilters)
	for i := range numMelFilters {
		filter := e.melFilters[i]
		for j := 0; j < len(coeffs) && j < len(filter); j++ {
			re, im := real(coeffs[j]), imag(coeffs[j])
			melEnergies[i] += (re*re + im*im) * filter[j]
		}
		if melEnergies[i] < 1e-10 {
			melEnergies[i] = 1e-10
		}
		melEnergies[i] = math.Log(melEnergies[i])
	}

	out := make([]float64, numMFCC)
	for i := range numMFCC {
		for j := range numMelFilters {
			out[i] += melEnergies[j] * math.Cos(math.Pi*float64(i)*(float64(j)+0.5)/float64(numMelFilters))
		}
	}
	return out
}

// aggregate folds per-frame MFCCs into [mean, std, meanDelta]. Deltas use
// the centred difference (next−prev)/2; single-frame input yields zero
// deltas.
func aggregate(mfccs [][]float64) []float64 {
	n := float64(len(mfccs))
	emb := make([]float64, Dim)

	for c := range numMFCC {
		var sum float64
		for _, frame := range mfccs {
			sum += frame[c]
		}
		mean := sum / n

		var variance float64
		for _, frame := range mfccs {
			d := frame[c] - mean
			variance += d * d
		}
		variance /= n

		var deltaSum float64
		if len(mfccs) > 2 {
			for i := 1; i < len(mfccs)-1; i++ {
				deltaSum += (mfccs[i+1][c] - mfccs[i-1][c]) / 2
			}
			deltaSum /= float64(len(mfccs) - 2)
		}

		emb[c] = mean
		emb[numMFCC+c] = math.Sqrt(variance)
		emb[2*numMFCC+c] = deltaSum
	}
	return emb
}

// Cosine returns the cosine similarity of two embeddings in [-1, 1].
// Mismatched dimensions are an invariant violation and fail the call;
// zero vectors yield similarity 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// melFilterbank builds triangular filters spaced evenly on the mel scale
// between 20 Hz and the Nyquist frequency.
func melFilterbank(numFilters, fftSize, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	nyquist := float64(sampleRate) / 2
	lowMel := hzToMel(20)
	highMel := hzToMel(nyquist)

	binPoints := make([]int, numFilters+2)
	for i := range binPoints {
		mel := lowMel + float64(i)*(highMel-lowMel)/float64(numFilters+1)
		binPoints[i] = int(math.Floor(melToHz(mel) * float64(fftSize) / float64(sampleRate)))
	}

	filters := make([][]float64, numFilters)
	for i := range numFilters {
		filters[i] = make([]float64, fftSize/2)
		for j := binPoints[i]; j < binPoints[i+1] && j < fftSize/2; j++ {
			if binPoints[i+1] != binPoints[i] {
				filters[i][j] = float64(j-binPoints[i]) / float64(binPoints[i+1]-binPoints[i])
			}
		}
		for j := binPoints[i+1]; j < binPoints[i+2] && j < fftSize/2; j++ {
			if binPoints[i+2] != binPoints[i+1] {
				filters[i][j] = float64(binPoints[i+2]-j) / float64(binPoints[i+2]-binPoints[i+1])
			}
		}
	}
	return filters
}

func pcmToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	samples := make([]float64, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float64(sample) / 32768.0
	}
	return samples
}
