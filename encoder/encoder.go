// Package encoder is the per-chunk compression stage. Chunks are raw PCM
// (16kHz mono s16le); compression is lossless FLAC so assembled recordings
// are byte-identical to what the recorders produced.
package encoder

import "encoding/binary"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

// minSavingsPct: a compressed chunk is kept only when it is at least this
// much smaller than the raw PCM. Tunable, but never store a payload larger
// than the original.
const minSavingsPct = 10

// Compress FLAC-encodes a PCM chunk. It returns the encoded bytes and true
// when encoding succeeded and saved at least minSavingsPct; otherwise it
// returns the original payload and false. It never fails: an encoder error
// just means the chunk is stored raw.
func Compress(pcm []byte) ([]byte, bool) {
	if len(pcm) < 4 {
		return pcm, false
	}

	enc, err := NewFlac()
	if err != nil {
		return pcm, false
	}

	samples := pcmToSamples(pcm)
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return pcm, false
		}
	}
	if err := enc.Close(); err != nil {
		return pcm, false
	}

	out := enc.Bytes()
	if len(out)*100 > len(pcm)*(100-minSavingsPct) {
		return pcm, false
	}
	return out, true
}

// Decompress decodes a FLAC payload back to raw PCM. Payloads stored
// uncompressed must not be passed here; the caller tracks the flag.
func Decompress(payload []byte) ([]byte, error) {
	return flacToPCM(payload)
}

func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func samplesToPCM(samples []int32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm
}
