// Package audio decodes uploaded audio containers into the canonical
// processing format used throughout voxtail: 16 kHz, mono, 16-bit signed
// little-endian PCM.
//
// Supported containers are WAV, MP3, FLAC and Ogg (carrying either Vorbis
// or Opus). Format detection prefers the caller-supplied hint (a filename
// or bare extension) and falls back to sniffing the leading bytes of the
// payload. Every decoder produces the canonical format plus an
// [types.AudioMetadata] describing the payload as it was received, before
// normalisation.
package audio

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/voxtail/voxtail/pkg/types"
)

// Canonical processing format. All DSP stages (quality, denoise,
// voiceprint) and all transcription backends consume exactly this.
const (
	CanonicalSampleRate  = 16000
	CanonicalChannels    = 1
	CanonicalSampleWidth = 2 // bytes per sample (s16le)
)

var (
	// ErrUnsupportedFormat is returned when the container cannot be
	// identified or carries a codec voxtail does not decode.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrDecode is returned when the container is recognised but the
	// payload is truncated or corrupt.
	ErrDecode = errors.New("audio: decode failed")
)

// Format identifies an audio container.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatUnknown Format = ""
)

// DetectFormat identifies the container of an audio payload. The hint may
// be a filename ("meeting.mp3"), a bare extension ("mp3" or ".mp3"), or
// empty. A recognised hint wins; otherwise the leading bytes decide.
// Payloads that match nothing are treated as WAV, the most common upload
// format, and left for the decoder to reject.
func DetectFormat(data []byte, hint string) Format {
	if ext := normalizeHint(hint); ext != FormatUnknown {
		return ext
	}
	switch {
	case hasPrefix(data, "RIFF"):
		return FormatWAV
	case hasPrefix(data, "ID3"):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync (11 set bits).
		return FormatMP3
	case hasPrefix(data, "fLaC"):
		return FormatFLAC
	case hasPrefix(data, "OggS"):
		return FormatOGG
	}
	return FormatWAV
}

// Decode decodes an audio payload into the canonical processing format.
// The hint is passed to [DetectFormat]. The returned metadata describes
// the source container: its sample rate, channel count and duration are
// those of the payload, not of the normalised window.
func Decode(data []byte, hint string) (types.AudioWindow, types.AudioMetadata, error) {
	if len(data) == 0 {
		return types.AudioWindow{}, types.AudioMetadata{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	format := DetectFormat(data, hint)

	var (
		pcm      []byte
		rate     int
		channels int
		err      error
	)
	switch format {
	case FormatWAV:
		pcm, rate, channels, err = decodeWAV(data)
	case FormatMP3:
		pcm, rate, channels, err = decodeMP3(data)
	case FormatFLAC:
		pcm, rate, channels, err = decodeFLAC(data)
	case FormatOGG:
		pcm, rate, channels, err = decodeOgg(data)
	default:
		return types.AudioWindow{}, types.AudioMetadata{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return types.AudioWindow{}, types.AudioMetadata{}, err
	}
	if rate <= 0 || channels <= 0 {
		return types.AudioWindow{}, types.AudioMetadata{}, fmt.Errorf("%w: %s reported %dHz/%dch", ErrDecode, format, rate, channels)
	}

	meta := types.AudioMetadata{
		DurationSeconds: float64(len(pcm)/(CanonicalSampleWidth*channels)) / float64(rate),
		SampleRate:      rate,
		Channels:        channels,
		Format:          string(format),
		SizeBytes:       len(data),
	}
	return Normalize(pcm, rate, channels), meta, nil
}

// Normalize converts 16-bit little-endian PCM of any rate and channel
// count into the canonical window format. Multi-channel input is
// downmixed before resampling so the interpolation runs over mono.
func Normalize(pcm []byte, rate, channels int) types.AudioWindow {
	if channels > 1 {
		pcm = DownmixMono(pcm, channels)
	}
	if rate != CanonicalSampleRate {
		pcm = ResampleMono16(pcm, rate, CanonicalSampleRate)
	}
	return types.AudioWindow{
		PCM:         pcm,
		SampleRate:  CanonicalSampleRate,
		Channels:    CanonicalChannels,
		SampleWidth: CanonicalSampleWidth,
	}
}

// normalizeHint maps a filename or extension hint to a Format. Unknown
// hints return FormatUnknown so byte sniffing can take over.
func normalizeHint(hint string) Format {
	if hint == "" {
		return FormatUnknown
	}
	ext := strings.ToLower(hint)
	if i := strings.LastIndexByte(ext, '.'); i >= 0 {
		ext = path.Ext(ext)
	}
	switch strings.TrimPrefix(ext, ".") {
	case "wav", "wave":
		return FormatWAV
	case "mp3":
		return FormatMP3
	case "flac":
		return FormatFLAC
	case "ogg", "oga", "opus":
		return FormatOGG
	}
	return FormatUnknown
}

func hasPrefix(data []byte, magic string) bool {
	return len(data) >= len(magic) && string(data[:len(magic)]) == magic
}
