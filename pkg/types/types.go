// Package types defines the shared types used across all voxtail packages.
//
// These types form the lingua franca between the codec, the quality and
// speaker stages, the transcription backends, and the streaming layer. They
// are intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioWindow is a fixed-duration PCM buffer processed as a unit. Windows are
// produced by the codec in the canonical format (16 kHz, mono, 16-bit signed
// little-endian) and treated as immutable by every downstream stage.
type AudioWindow struct {
	// PCM holds the raw sample bytes, little-endian.
	PCM []byte

	// SampleRate in Hz (16000 for canonical windows).
	SampleRate int

	// Channels: 1 for mono canonical windows.
	Channels int

	// SampleWidth is the size of one sample in bytes (2 for 16-bit PCM).
	SampleWidth int
}

// SampleCount returns the number of samples per channel in the window.
func (w AudioWindow) SampleCount() int {
	if w.Channels <= 0 || w.SampleWidth <= 0 {
		return 0
	}
	return len(w.PCM) / (w.Channels * w.SampleWidth)
}

// Duration returns the playback duration of the window.
func (w AudioWindow) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	samples := w.SampleCount()
	return time.Duration(samples) * time.Second / time.Duration(w.SampleRate)
}

// AudioMetadata describes a processed audio blob. It is attached to every
// batch response and reported alongside streaming diagnostics.
type AudioMetadata struct {
	// DurationSeconds is the decoded audio length in seconds.
	DurationSeconds float64 `json:"duration_seconds"`

	// SampleRate of the canonical output in Hz.
	SampleRate int `json:"sample_rate"`

	// Channels of the canonical output.
	Channels int `json:"channels"`

	// Format is the detected container of the original blob ("wav", "mp3",
	// "flac", "ogg").
	Format string `json:"format"`

	// SizeBytes is the size of the original (undecoded) blob.
	SizeBytes int `json:"size_bytes"`

	// QualityScore is the clarity measure from the quality assessor, when the
	// blob passed through it.
	QualityScore *float64 `json:"quality_score,omitempty"`

	// NoiseLevel is an inverse-SNR noise estimate in [0,1], when measured.
	NoiseLevel *float64 `json:"noise_level,omitempty"`
}

// BandEnergy holds mean spectral magnitude for the three voice-relevant bands.
type BandEnergy struct {
	// Low covers 80–250 Hz (fundamental pitch range).
	Low float64 `json:"low"`

	// Mid covers 250–2000 Hz (vowel formants).
	Mid float64 `json:"mid"`

	// High covers 2000–8000 Hz (consonant energy and sibilance).
	High float64 `json:"high"`
}

// QualityMetrics is the quality assessment of a single window. Derived purely
// from the samples; no external state.
type QualityMetrics struct {
	// SNRDB is the signal-to-noise ratio estimate in decibels.
	SNRDB float64 `json:"snr_db"`

	// Clarity is a normalized quality score in [0,1].
	Clarity float64 `json:"clarity"`

	// Volume is the RMS level of the normalized signal.
	Volume float64 `json:"volume"`

	// BandEnergy is the spectral energy split across voice bands.
	BandEnergy BandEnergy `json:"band_energy"`

	// Distortion is a clipping/irregularity measure in [0,1].
	Distortion float64 `json:"distortion"`
}

// TranscriptSegment is one timed span of transcribed speech.
type TranscriptSegment struct {
	// ID is unique within the parent response.
	ID string `json:"id"`

	// Text is the transcribed content of the span.
	Text string `json:"text"`

	// Start and End are offsets from the beginning of the audio, in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Speaker is the attributed speaker name or cluster label; empty when
	// attribution was not performed.
	Speaker string `json:"speaker,omitempty"`

	// Confidence is the recognition confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Language is the detected language code when the backend reports one.
	Language string `json:"language,omitempty"`
}

// Speaker is one distinct voice found in an audio blob.
type Speaker struct {
	// ID is the cluster label ("speaker_1", ...).
	ID string `json:"id"`

	// Name is the registry match when identification succeeded; empty for
	// unknown voices.
	Name string `json:"name,omitempty"`

	// Confidence is the registry cosine similarity for matched speakers and
	// the fallback default (0.5) for unmatched ones.
	Confidence float64 `json:"confidence"`

	// SegmentIDs lists the transcript segments attributed to this speaker.
	SegmentIDs []string `json:"segment_ids,omitempty"`

	// Characteristics summarizes the voice (pitch_mean, pitch_variance,
	// volume, speaking_time).
	Characteristics map[string]float64 `json:"characteristics,omitempty"`
}

// TranscriptUpdate is the streaming wire unit: one window's transcription
// result, emitted to the client and appended to the session store.
type TranscriptUpdate struct {
	// SessionID identifies the stream session this update belongs to.
	SessionID string `json:"session_id"`

	// ChunkID is unique per update within a session, derived from the window
	// sequence.
	ChunkID string `json:"chunk_id"`

	// Text is the transcription of the window; empty when processing failed.
	Text string `json:"text"`

	// IsFinal reports whether the text is authoritative. Always true under
	// the current windowing policy.
	IsFinal bool `json:"is_final"`

	// Confidence is the backend confidence, or the speaker-match similarity
	// when identification ran, or 0 for failed windows.
	Confidence float64 `json:"confidence"`

	// Speaker is the matched registry name; empty when no match or when
	// diarization is disabled.
	Speaker string `json:"speaker,omitempty"`

	// Timestamp is the wall-clock emission time used for ordering.
	Timestamp time.Time `json:"timestamp"`
}

// VoiceProcessingResponse is the result of batch-processing one audio blob.
type VoiceProcessingResponse struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	Transcript string              `json:"transcript"`
	Segments   []TranscriptSegment `json:"segments"`
	Speakers   []Speaker           `json:"speakers,omitempty"`
	Metadata   AudioMetadata       `json:"metadata"`

	// Confidence is the overall recognition confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// ProcessingTime is the server-side wall time in seconds.
	ProcessingTime float64 `json:"processing_time"`

	// LanguageDetected is the backend-reported language, when available.
	LanguageDetected string `json:"language_detected,omitempty"`
}

// SpeakerIdentificationResult is the diarization + identification result for
// one audio blob.
type SpeakerIdentificationResult struct {
	Speakers      []Speaker `json:"speakers"`
	TotalSpeakers int       `json:"total_speakers"`

	// Confidence is the mean confidence over all returned speakers.
	Confidence float64 `json:"confidence"`

	// ProcessingTime is the server-side wall time in seconds.
	ProcessingTime float64 `json:"processing_time"`

	// MethodUsed names the diarization strategy ("agglomerative").
	MethodUsed string `json:"method_used"`
}

// SpeakerTrainingResponse acknowledges a registry training call.
type SpeakerTrainingResponse struct {
	SpeakerID string `json:"speaker_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`

	// AccuracyScore is the self-similarity of the stored embedding, a rough
	// sanity signal rather than a validated accuracy figure.
	AccuracyScore float64 `json:"accuracy_score"`

	// SamplesProcessed is the number of canonical samples consumed.
	SamplesProcessed int `json:"samples_processed"`
}
