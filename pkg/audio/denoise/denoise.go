// Package denoise applies spectral-subtraction noise reduction to a
// canonical audio window.
//
// The suppressor runs an STFT over Hann-windowed frames, estimates a
// per-bin noise profile from the quietest frames, subtracts a scaled copy
// of that profile from every frame's magnitude spectrum, and resynthesizes
// the signal with overlap-add. It targets steady background noise (fans,
// hum, room tone); transient noise passes through mostly untouched.
//
// Callers invoke it only when the quality assessor reports a low SNR.
// Failure is non-fatal by contract: on any error the caller keeps the
// original window.
package denoise

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/voxtail/voxtail/pkg/types"
)

const (
	frameSize = 1024
	hopSize   = 256

	// alpha scales the subtracted noise profile; beta is the spectral
	// floor that prevents musical-noise artifacts from over-subtraction.
	alpha = 2.0
	beta  = 0.02

	// noisePercentile selects the per-bin magnitude treated as the noise
	// floor: the 10th percentile over all frames.
	noisePercentile = 0.10
)

// Reduce applies spectral subtraction to w and returns a new window in the
// same canonical format. The output never contains more samples than the
// input. Windows shorter than one STFT frame are returned unchanged.
func Reduce(w types.AudioWindow) (types.AudioWindow, error) {
	if w.SampleWidth != 2 || w.Channels != 1 {
		return w, fmt.Errorf("denoise: window is not canonical mono s16le (%d ch, %d bytes/sample)", w.Channels, w.SampleWidth)
	}

	samples := pcmToFloat64(w.PCM)
	if len(samples) < frameSize {
		return w, nil
	}

	frames := stft(samples)
	noise := noiseProfile(frames)
	for _, frame := range frames {
		subtract(frame, noise)
	}
	cleaned := istft(frames, len(samples))

	out := types.AudioWindow{
		PCM:         float64ToPCM(cleaned),
		SampleRate:  w.SampleRate,
		Channels:    w.Channels,
		SampleWidth: w.SampleWidth,
	}
	if len(out.PCM) > len(w.PCM) {
		out.PCM = out.PCM[:len(w.PCM)]
	}
	return out, nil
}

// stft slices samples into Hann-windowed frames and transforms each one.
func stft(samples []float64) [][]complex128 {
	fft := fourier.NewFFT(frameSize)
	window := hann(frameSize)

	numFrames := 1 + (len(samples)-frameSize)/hopSize
	frames := make([][]complex128, numFrames)

	buf := make([]float64, frameSize)
	for i := range numFrames {
		start := i * hopSize
		for j := range frameSize {
			buf[j] = samples[start+j] * window[j]
		}
		frames[i] = fft.Coefficients(nil, buf)
	}
	return frames
}

// istft resynthesizes the time signal from modified frames via inverse FFT
// and overlap-add, normalised by the summed window energy per sample.
func istft(frames [][]complex128, n int) []float64 {
	fft := fourier.NewFFT(frameSize)
	window := hann(frameSize)

	out := make([]float64, n)
	norm := make([]float64, n)

	for i, frame := range frames {
		start := i * hopSize
		seq := fft.Sequence(nil, frame)
		for j := range frameSize {
			idx := start + j
			if idx >= n {
				break
			}
			// fourier.FFT.Sequence returns the unscaled inverse.
			out[idx] += seq[j] / float64(frameSize) * window[j]
			norm[idx] += window[j] * window[j]
		}
	}
	for i := range out {
		if norm[i] > 1e-8 {
			out[i] /= norm[i]
		}
	}
	return out
}

// noiseProfile estimates the per-bin noise magnitude as a low percentile of
// the magnitudes observed across all frames. Percentile estimation is more
// robust than averaging the quietest frame when the window contains no
// fully silent stretch.
func noiseProfile(frames [][]complex128) []float64 {
	if len(frames) == 0 {
		return nil
	}
	bins := len(frames[0])
	profile := make([]float64, bins)
	mags := make([]float64, len(frames))

	for b := range bins {
		for f, frame := range frames {
			mags[f] = cmplx.Abs(frame[b])
		}
		sort.Float64s(mags)
		idx := int(float64(len(mags)) * noisePercentile)
		if idx >= len(mags) {
			idx = len(mags) - 1
		}
		profile[b] = mags[idx]
	}
	return profile
}

// subtract removes alpha·noise from each bin magnitude in place, clamping
// to a beta fraction of the original magnitude so bins never go negative.
func subtract(frame []complex128, noise []float64) {
	for b := range frame {
		mag := cmplx.Abs(frame[b])
		phase := cmplx.Phase(frame[b])

		reduced := mag - alpha*noise[b]
		if floor := beta * mag; reduced < floor {
			reduced = floor
		}
		frame[b] = cmplx.Rect(reduced, phase)
	}
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
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

func float64ToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		sample := int16(v)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
