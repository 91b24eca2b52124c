package voiceprint_test

import (
	"math"
	"testing"

	"github.com/voxtail/voxtail/pkg/types"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// voiceWindow synthesizes a crude "voice": a fundamental plus two
// harmonics, enough structure for the MFCCs to tell signals apart.
func voiceWindow(fundamental float64, n int) types.AudioWindow {
	pcm := make([]byte, n*2)
	for i := range n {
		t := float64(i) / 16000
		v := 0.5*math.Sin(2*math.Pi*fundamental*t) +
			0.3*math.Sin(2*math.Pi*2*fundamental*t) +
			0.2*math.Sin(2*math.Pi*3*fundamental*t)
		s := int16(v * 20000)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return types.AudioWindow{PCM: pcm, SampleRate: 16000, Channels: 1, SampleWidth: 2}
}

func TestExtract_Dimension(t *testing.T) {
	t.Parallel()

	e := voiceprint.NewExtractor(16000)
	emb := e.Extract(voiceWindow(120, 32000))
	if len(emb) != voiceprint.Dim {
		t.Fatalf("len(embedding) = %d, want %d", len(emb), voiceprint.Dim)
	}

	var nonZero bool
	for _, v := range emb {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("embedding of real audio is all zero")
	}
}

func TestExtract_TooShortYieldsZeroVector(t *testing.T) {
	t.Parallel()

	e := voiceprint.NewExtractor(16000)
	emb := e.Extract(voiceWindow(120, 100))
	if len(emb) != voiceprint.Dim {
		t.Fatalf("len(embedding) = %d, want %d", len(emb), voiceprint.Dim)
	}
	for i, v := range emb {
		if v != 0 {
			t.Fatalf("embedding[%d] = %f, want 0 for too-short input", i, v)
		}
	}
}

func TestExtract_SameVoiceIsSimilar(t *testing.T) {
	t.Parallel()

	e := voiceprint.NewExtractor(16000)
	a := e.Extract(voiceWindow(120, 32000))
	b := e.Extract(voiceWindow(120, 32000))
	c := e.Extract(voiceWindow(280, 32000))

	same, err := voiceprint.Cosine(a, b)
	if err != nil {
		t.Fatalf("Cosine(a, b) error: %v", err)
	}
	diff, err := voiceprint.Cosine(a, c)
	if err != nil {
		t.Fatalf("Cosine(a, c) error: %v", err)
	}
	if same <= diff {
		t.Errorf("same-voice similarity %f not greater than cross-voice %f", same, diff)
	}
	if same < 0.95 {
		t.Errorf("identical audio similarity = %f, want near 1", same)
	}
}

func TestCosine_DimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := voiceprint.Cosine(make([]float64, voiceprint.Dim), make([]float64, voiceprint.Dim-1))
	if err == nil {
		t.Fatal("Cosine() with mismatched dims: expected error, got nil")
	}
}

func TestCosine_ZeroVector(t *testing.T) {
	t.Parallel()

	sim, err := voiceprint.Cosine(make([]float64, 3), []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("Cosine() error: %v", err)
	}
	if sim != 0 {
		t.Errorf("Cosine(zero, v) = %f, want 0", sim)
	}
}
