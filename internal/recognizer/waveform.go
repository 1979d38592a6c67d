package recognizer

import (
	"encoding/binary"
	"math"
)

// Samples keep 16-bit amplitude scale: the acoustic models are trained on
// raw short integers, not on [-1, 1] audio.

// PCM16ToFloat32 converts 16-bit signed little-endian PCM. A trailing odd
// byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
	}
	return samples
}

// ShortsToFloat32 widens native short samples.
func ShortsToFloat32(shorts []int16) []float32 {
	samples := make([]float32, len(shorts))
	for i, s := range shorts {
		samples[i] = float32(s)
	}
	return samples
}

// Float32LEToFloat32 decodes little-endian IEEE-754 samples. Trailing bytes
// that do not form a whole sample are ignored.
func Float32LEToFloat32(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range n {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return samples
}
