// Package pipeline implements batch voice processing: decode, quality
// assessment, conditional noise suppression, transcription, transcript
// correction, and speaker identification. The streaming layer reuses the
// same stages per window; this package owns the whole-blob operations
// behind the upload endpoints.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxtail/voxtail/internal/correct"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/audio/denoise"
	"github.com/voxtail/voxtail/pkg/audio/quality"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

const (
	// unmatchedConfidence is reported for diarized voices with no
	// registry match.
	unmatchedConfidence = 0.5

	// diarizationMethod names the clustering strategy in results.
	diarizationMethod = "agglomerative"

	// embeddingWorkers bounds parallel embedding extraction.
	embeddingWorkers = 4
)

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithCorrector attaches a transcript correction pass.
func WithCorrector(c *correct.Corrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger overrides the logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithSNRThreshold sets the SNR (dB) below which noise suppression runs
// before transcription. Default: 10.
func WithSNRThreshold(db float64) Option {
	return func(p *Pipeline) { p.snrThreshold = db }
}

// WithWindowDuration sets the diarization window length in seconds.
// Default: 2.0.
func WithWindowDuration(seconds float64) Option {
	return func(p *Pipeline) { p.windowSeconds = seconds }
}

// WithSpeakerBounds sets the diarizer's cluster-count search range.
// Defaults: 1 and 10.
func WithSpeakerBounds(minSpeakers, maxSpeakers int) Option {
	return func(p *Pipeline) {
		p.minSpeakers = minSpeakers
		p.maxSpeakers = maxSpeakers
	}
}

// WithDiarization toggles speaker attribution on Process responses.
// Default: enabled.
func WithDiarization(enabled bool) Option {
	return func(p *Pipeline) { p.diarization = enabled }
}

// Pipeline runs the batch voice operations. Safe for concurrent use.
type Pipeline struct {
	backend   transcribe.Backend
	registry  speaker.Registry
	extractor *voiceprint.Extractor
	corrector *correct.Corrector
	metrics   *observe.Metrics
	log       *slog.Logger

	snrThreshold  float64
	windowSeconds float64
	minSpeakers   int
	maxSpeakers   int
	diarization   bool
}

// New constructs a [Pipeline] over the given transcription backend and
// speaker registry.
func New(backend transcribe.Backend, registry speaker.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:       backend,
		registry:      registry,
		extractor:     voiceprint.NewExtractor(audio.CanonicalSampleRate),
		snrThreshold:  10,
		windowSeconds: 2.0,
		minSpeakers:   1,
		maxSpeakers:   10,
		diarization:   true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Process transcribes one audio blob end to end: decode to the canonical
// format, assess quality, suppress noise when the SNR falls below the
// threshold, transcribe, and apply the correction pass.
func (p *Pipeline) Process(ctx context.Context, blob []byte, hint string) (*types.VoiceProcessingResponse, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.Process")
	defer span.End()

	window, meta, err := audio.Decode(blob, hint)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode: %w", err)
	}

	metrics := quality.Assess(window)
	clarity := metrics.Clarity
	noise := noiseLevel(metrics.SNRDB)
	meta.QualityScore = &clarity
	meta.NoiseLevel = &noise

	if metrics.SNRDB < p.snrThreshold {
		cleaned, err := denoise.Reduce(window)
		if err != nil {
			p.log.Warn("noise suppression failed, using raw audio", "error", err)
		} else {
			window = cleaned
			remeasured := quality.Assess(window)
			noise = noiseLevel(remeasured.SNRDB)
			meta.NoiseLevel = &noise
		}
	}

	result, err := p.transcribeWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcribe: %w", err)
	}

	transcript := result.Text
	confidence := result.Confidence
	if p.corrector != nil {
		corrected, corrections, err := p.corrector.Apply(ctx, transcript, confidence)
		if err != nil {
			return nil, fmt.Errorf("pipeline: correct: %w", err)
		}
		if len(corrections) > 0 {
			p.log.Debug("transcript corrected", "corrections", len(corrections))
		}
		transcript = corrected
	}

	segments := make([]types.TranscriptSegment, 0, len(result.Segments))
	for i, s := range result.Segments {
		segments = append(segments, types.TranscriptSegment{
			ID:         fmt.Sprintf("segment_%d", i+1),
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Confidence: s.Confidence,
			Language:   result.Language,
		})
	}

	var speakers []types.Speaker
	if p.diarization {
		var clusters []speaker.Cluster
		speakers, clusters, err = p.identify(ctx, window)
		if err != nil {
			// Speaker attribution is best-effort on the batch path.
			p.log.Warn("speaker identification failed", "error", err)
			speakers = nil
		} else {
			p.attributeSegments(segments, speakers, clusters)
		}
	}

	return &types.VoiceProcessingResponse{
		ID:               uuid.NewString(),
		Status:           "completed",
		Transcript:       transcript,
		Segments:         segments,
		Speakers:         speakers,
		Metadata:         meta,
		Confidence:       confidence,
		ProcessingTime:   time.Since(start).Seconds(),
		LanguageDetected: result.Language,
	}, nil
}

// IdentifySpeakers diarizes one audio blob and matches each found voice
// against the registry.
func (p *Pipeline) IdentifySpeakers(ctx context.Context, blob []byte, hint string) (*types.SpeakerIdentificationResult, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.IdentifySpeakers")
	defer span.End()

	window, _, err := audio.Decode(blob, hint)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode: %w", err)
	}

	speakers, _, err := p.identify(ctx, window)
	if err != nil {
		return nil, err
	}

	var total float64
	for _, s := range speakers {
		total += s.Confidence
	}
	confidence := 0.0
	if len(speakers) > 0 {
		confidence = total / float64(len(speakers))
	}

	p.metrics.DiarizeDuration.Record(ctx, time.Since(start).Seconds())

	return &types.SpeakerIdentificationResult{
		Speakers:       speakers,
		TotalSpeakers:  len(speakers),
		Confidence:     confidence,
		ProcessingTime: time.Since(start).Seconds(),
		MethodUsed:     diarizationMethod,
	}, nil
}

// TrainSpeaker decodes the blob, extracts a voiceprint, and stores it in
// the registry under name.
func (p *Pipeline) TrainSpeaker(ctx context.Context, name string, blob []byte, hint string) (*types.SpeakerTrainingResponse, error) {
	window, _, err := audio.Decode(blob, hint)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode: %w", err)
	}

	embedding := p.extractor.Extract(window)
	samples := window.SampleCount()
	if err := p.registry.Train(ctx, name, embedding, samples); err != nil {
		return nil, fmt.Errorf("pipeline: train speaker: %w", err)
	}

	// Self-similarity is 1 for any non-degenerate embedding; a zero
	// vector (silence) reads as 0 and flags a useless sample.
	accuracy, err := voiceprint.Cosine(embedding, embedding)
	if err != nil {
		accuracy = 0
	}

	return &types.SpeakerTrainingResponse{
		SpeakerID:        "speaker:" + name,
		Name:             name,
		Status:           "trained",
		AccuracyScore:    accuracy,
		SamplesProcessed: samples,
	}, nil
}

// ListSpeakers returns the registered speaker names.
func (p *Pipeline) ListSpeakers(ctx context.Context) ([]string, error) {
	names, err := p.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list speakers: %w", err)
	}
	return names, nil
}

// DeleteSpeaker removes a speaker from the registry.
func (p *Pipeline) DeleteSpeaker(ctx context.Context, name string) error {
	if err := p.registry.Delete(ctx, name); err != nil {
		return fmt.Errorf("pipeline: delete speaker: %w", err)
	}
	return nil
}

// transcribeWindow runs the backend with latency and status metrics.
func (p *Pipeline) transcribeWindow(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	start := time.Now()
	result, err := p.backend.Transcribe(ctx, w)
	p.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", p.backend.Name())))
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordBackendRequest(ctx, p.backend.Name(), status)
	return result, err
}

// identify slices the window into diarization windows, extracts
// embeddings in parallel, clusters them, and matches each cluster to the
// registry. The returned clusters parallel the speakers by index and
// carry the window assignments used for segment attribution.
func (p *Pipeline) identify(ctx context.Context, w types.AudioWindow) ([]types.Speaker, []speaker.Cluster, error) {
	windows := sliceWindows(w, p.windowSeconds)
	embeddings := make([]speaker.WindowEmbedding, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embeddingWorkers)
	for i, win := range windows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			offset := float64(i) * p.windowSeconds
			embeddings[i] = speaker.WindowEmbedding{
				Start:     offset,
				End:       offset + win.Duration().Seconds(),
				Embedding: p.extractor.Extract(win),
				PCM:       win.PCM,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("pipeline: extract embeddings: %w", err)
	}

	clusters := speaker.Diarize(embeddings, p.minSpeakers, p.maxSpeakers)

	speakers := make([]types.Speaker, 0, len(clusters))
	for _, c := range clusters {
		s := types.Speaker{
			ID:              fmt.Sprintf("speaker_%d", c.ID),
			Confidence:      unmatchedConfidence,
			Characteristics: c.Characteristics,
		}
		match, err := p.registry.Identify(ctx, c.Embedding)
		if err != nil {
			p.log.Warn("registry lookup failed for cluster", "cluster", c.ID, "error", err)
		} else if match.Matched {
			s.Name = match.Name
			s.Confidence = match.Similarity
		}
		speakers = append(speakers, s)
	}
	return speakers, clusters, nil
}

// attributeSegments maps diarization windows onto transcript segments.
// A segment is attributed to every speaker whose windows overlap it in
// time; the first overlapping speaker also labels the segment itself.
func (p *Pipeline) attributeSegments(segments []types.TranscriptSegment, speakers []types.Speaker, clusters []speaker.Cluster) {
	for i := range speakers {
		if i >= len(clusters) {
			return
		}
		for si := range segments {
			seg := &segments[si]
			for _, wi := range clusters[i].Windows {
				winStart := float64(wi) * p.windowSeconds
				winEnd := winStart + p.windowSeconds
				if seg.Start >= winEnd || seg.End <= winStart {
					continue
				}
				speakers[i].SegmentIDs = append(speakers[i].SegmentIDs, seg.ID)
				if seg.Speaker == "" {
					seg.Speaker = speakers[i].Name
					if seg.Speaker == "" {
						seg.Speaker = speakers[i].ID
					}
				}
				break
			}
		}
	}
}

// sliceWindows cuts w into consecutive windows of the given duration.
// The final partial window is kept; windowing never drops audio.
func sliceWindows(w types.AudioWindow, seconds float64) []types.AudioWindow {
	stride := int(seconds*float64(w.SampleRate)) * w.Channels * w.SampleWidth
	if stride <= 0 || len(w.PCM) <= stride {
		return []types.AudioWindow{w}
	}

	var out []types.AudioWindow
	for off := 0; off < len(w.PCM); off += stride {
		end := min(off+stride, len(w.PCM))
		out = append(out, types.AudioWindow{
			PCM:         w.PCM[off:end],
			SampleRate:  w.SampleRate,
			Channels:    w.Channels,
			SampleWidth: w.SampleWidth,
		})
	}
	return out
}

// noiseLevel converts an SNR estimate in dB to a [0,1] noise figure.
func noiseLevel(snrDB float64) float64 {
	n := 1.0 / (1.0 + math.Pow(10, snrDB/20))
	switch {
	case n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}
