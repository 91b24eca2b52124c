package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"
	"layeh.com/gopus"
)

// Opus always decodes at 48 kHz; a packet carries at most 120 ms of audio.
const (
	opusDecodeRate   = 48000
	opusMaxFrameSize = opusDecodeRate * 120 / 1000 // 5760 samples per channel
)

// decodeOgg sniffs the codec inside an Ogg container and dispatches to the
// Vorbis or Opus decoder. The identification header always sits in the
// first page, so sniffing the leading bytes is sufficient.
func decodeOgg(data []byte) ([]byte, int, int, error) {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	switch {
	case bytes.Contains(head, []byte("OpusHead")):
		return decodeOggOpus(data)
	case bytes.Contains(head, []byte("vorbis")):
		return decodeOggVorbis(data)
	}
	return nil, 0, 0, fmt.Errorf("%w: ogg with unrecognised codec", ErrUnsupportedFormat)
}

// decodeOggVorbis streams float32 samples out of an Ogg/Vorbis payload and
// converts them to interleaved 16-bit PCM.
func decodeOggVorbis(data []byte) ([]byte, int, int, error) {
	r, err := oggvorbis.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: vorbis: %v", ErrDecode, err)
	}

	var samples []float32
	buf := make([]float32, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			samples = append(samples, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: vorbis: %v", ErrDecode, err)
		}
	}
	if len(samples) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: vorbis: no samples decoded", ErrDecode)
	}

	return pcm16FromFloat32(samples), r.SampleRate(), r.Channels(), nil
}

// decodeOggOpus demuxes the Ogg container into logical Opus packets and
// decodes them at 48 kHz. The first packet must be an OpusHead
// identification header; the second (OpusTags) is skipped.
func decodeOggOpus(data []byte) ([]byte, int, int, error) {
	packets, err := oggPackets(data)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(packets) < 3 {
		return nil, 0, 0, fmt.Errorf("%w: opus: missing header packets", ErrDecode)
	}

	head, err := parseOpusHead(packets[0])
	if err != nil {
		return nil, 0, 0, err
	}

	dec, err := gopus.NewDecoder(opusDecodeRate, head.channels)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: opus: create decoder: %v", ErrDecode, err)
	}

	var pcm []int16
	for _, pkt := range packets[2:] {
		if len(pkt) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			// A damaged packet loses its own frame only; decoding continues.
			continue
		}
		pcm = append(pcm, frame...)
	}

	// The identification header declares how many leading samples the
	// encoder padded; drop them.
	skip := head.preSkip * head.channels
	if skip >= len(pcm) {
		return nil, 0, 0, fmt.Errorf("%w: opus: no frames decoded", ErrDecode)
	}
	pcm = pcm[skip:]

	return Int16sToBytes(pcm), opusDecodeRate, head.channels, nil
}

// opusHead holds the fields of the OpusHead identification header needed
// for decoding.
type opusHead struct {
	channels int
	preSkip  int
}

func parseOpusHead(pkt []byte) (opusHead, error) {
	if len(pkt) < 19 || !bytes.HasPrefix(pkt, []byte("OpusHead")) {
		return opusHead{}, fmt.Errorf("%w: opus: malformed identification header", ErrDecode)
	}
	channels := int(pkt[9])
	if channels < 1 || channels > 2 {
		return opusHead{}, fmt.Errorf("%w: opus with %d channels", ErrUnsupportedFormat, channels)
	}
	return opusHead{
		channels: channels,
		preSkip:  int(binary.LittleEndian.Uint16(pkt[10:12])),
	}, nil
}

// oggPackets reassembles the logical packets of a single-stream Ogg
// container. Each page header (27 bytes) is followed by a segment table;
// a segment shorter than 255 bytes terminates the current packet, so
// packets spanning page boundaries are stitched back together.
func oggPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	var pending []byte

	off := 0
	for off < len(data) {
		if len(data)-off < 27 {
			return nil, fmt.Errorf("%w: ogg: truncated page header", ErrDecode)
		}
		if string(data[off:off+4]) != "OggS" {
			return nil, fmt.Errorf("%w: ogg: bad capture pattern at offset %d", ErrDecode, off)
		}

		segCount := int(data[off+26])
		tableStart := off + 27
		if len(data) < tableStart+segCount {
			return nil, fmt.Errorf("%w: ogg: truncated segment table", ErrDecode)
		}

		body := tableStart + segCount
		for i := range segCount {
			segLen := int(data[tableStart+i])
			if len(data) < body+segLen {
				return nil, fmt.Errorf("%w: ogg: truncated page body", ErrDecode)
			}
			pending = append(pending, data[body:body+segLen]...)
			body += segLen
			if segLen < 255 {
				packets = append(packets, pending)
				pending = nil
			}
		}
		off = body
	}

	return packets, nil
}
