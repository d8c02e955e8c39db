package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// EncodePCM16 converts float samples in [-1, 1] to little-endian 16-bit PCM
// with no header. Each sample is clamped to [-1, 1], scaled by 32768, and
// saturated to the int16 range. The conversion is pure and deterministic.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}

		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}

		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts little-endian 16-bit PCM bytes back to float samples
// in [-1, 1). The byte length must be even.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even, got %d bytes", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}

// EncodeBase64 encodes raw bytes as standard base64 text for transports that
// only carry text payloads.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses standard base64 text to raw bytes.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	return data, nil
}
