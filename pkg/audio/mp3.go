package audio

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// decodeMP3 decodes an MPEG audio payload. go-mp3 always emits 16-bit
// little-endian stereo regardless of the source encoding, so the channel
// count is fixed at 2 and downmixing happens during normalisation.
func decodeMP3(data []byte) ([]byte, int, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: mp3: %v", ErrDecode, err)
	}

	var out bytes.Buffer
	if _, err := io.Copy(&out, dec); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: mp3: %v", ErrDecode, err)
	}
	if out.Len() == 0 {
		return nil, 0, 0, fmt.Errorf("%w: mp3: no frames decoded", ErrDecode)
	}

	return out.Bytes(), dec.SampleRate(), 2, nil
}
