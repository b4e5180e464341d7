package audio

import (
	"encoding/binary"

	"voicechat/internal/domain"
)

// FloatToPCM16 clamps s to [-1, 1] and scales negatives by 32768 and positives by 32767.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// EncodePCM16LE converts one channel of float samples into 16-bit signed little-endian PCM.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// DecodePCM16LE de-interleaves s16le frames into a block of normalized float samples.
// Trailing bytes that do not form a whole frame are ignored.
func DecodePCM16LE(data []byte, channels int) domain.SampleBlock {
	if channels <= 0 {
		channels = 1
	}
	frames := len(data) / (2 * channels)
	block := make(domain.SampleBlock, channels)
	for ch := range block {
		block[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			offset := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(data[offset:]))
			block[ch][i] = float32(v) / 0x8000
		}
	}
	return block
}
