package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
)

// decodeFLAC decodes a FLAC payload into interleaved 16-bit little-endian
// PCM, rescaling samples from the stream's bit depth.
func decodeFLAC(data []byte) ([]byte, int, int, error) {
	stream, err := flac.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: flac: %v", ErrDecode, err)
	}

	rate := int(stream.Info.SampleRate)
	channels := int(stream.Info.NChannels)
	shift := int(stream.Info.BitsPerSample) - 16

	var pcm []byte
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: flac: %v", ErrDecode, err)
		}
		if len(frame.Subframes) == 0 {
			continue
		}

		// Subframes hold one channel each; interleave sample by sample.
		n := len(frame.Subframes[0].Samples)
		for i := range n {
			for _, sub := range frame.Subframes {
				if i >= len(sub.Samples) {
					continue
				}
				v := sub.Samples[i]
				if shift > 0 {
					v >>= shift
				} else if shift < 0 {
					v <<= -shift
				}
				if v > 32767 {
					v = 32767
				} else if v < -32768 {
					v = -32768
				}
				pcm = append(pcm, byte(v), byte(v>>8))
			}
		}
	}
	if len(pcm) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: flac: no frames decoded", ErrDecode)
	}

	return pcm, rate, channels, nil
}
