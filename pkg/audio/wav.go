package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVMIMEType is the content type of artifacts produced by [EncodeWAV].
const WAVMIMEType = "audio/wav"

const wavHeaderSize = 44

// EncodeWAV writes pcm (little-endian int16, interleaved) as a canonical
// RIFF/WAVE file.
func EncodeWAV(w io.Writer, pcm []byte, rate, channels int) error {
	if rate <= 0 || channels <= 0 {
		return errors.New("audio: wav: rate and channels must be positive")
	}
	if uint64(len(pcm)) > uint64(^uint32(0))-wavHeaderSize {
		return fmt.Errorf("audio: wav: payload too large (%d bytes)", len(pcm))
	}

	var hdr [wavHeaderSize]byte
	le := binary.LittleEndian
	copy(hdr[0:], "RIFF")
	le.PutUint32(hdr[4:], uint32(36+len(pcm)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	le.PutUint32(hdr[16:], 16)
	le.PutUint16(hdr[20:], 1) // PCM
	le.PutUint16(hdr[22:], uint16(channels))
	le.PutUint32(hdr[24:], uint32(rate))
	le.PutUint32(hdr[28:], uint32(rate*channels*2))
	le.PutUint16(hdr[32:], uint16(channels*2))
	le.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	le.PutUint32(hdr[40:], uint32(len(pcm)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: wav: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: wav: write data: %w", err)
	}
	return nil
}
