package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodePCM16Saturation(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"silence", 0, 0},
		{"positive half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"negative full scale", -1, -32768},
		{"positive full scale clamps", 1, 32767},
		{"above range saturates", 2.5, 32767},
		{"below range saturates", -3.7, -32768},
		{"far above range saturates", float32(math.MaxFloat32), 32767},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := EncodePCM16([]float32{tt.sample})
			if len(out) != 2 {
				t.Fatalf("expected 2 bytes, got %d", len(out))
			}
			got := int16(binary.LittleEndian.Uint16(out))
			if got != tt.want {
				t.Errorf("EncodePCM16(%v) = %d, want %d", tt.sample, got, tt.want)
			}
		})
	}
}

func TestEncodePCM16LittleEndian(t *testing.T) {
	out := EncodePCM16([]float32{0.5})
	if out[0] != 0x00 || out[1] != 0x40 {
		t.Errorf("expected little-endian 0x00 0x40, got 0x%02x 0x%02x", out[0], out[1])
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.9, -0.9}
	out, err := DecodePCM16(EncodePCM16(in))
	if err != nil {
		t.Fatalf("DecodePCM16 failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1.0/32768 {
			t.Errorf("sample %d: got %v, want %v (diff %v)", i, out[i], in[i], diff)
		}
	}
}

func TestDecodePCM16OddLength(t *testing.T) {
	if _, err := DecodePCM16([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("expected error for odd-length PCM data")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0x00, 0x7f, 0x80},
		bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 101),
	}

	for _, in := range inputs {
		out, err := DecodeBase64(EncodeBase64(in))
		if err != nil {
			t.Fatalf("DecodeBase64 failed for %d bytes: %v", len(in), err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch for %d bytes", len(in))
		}
	}
}

func TestDecodeBase64Invalid(t *testing.T) {
	if _, err := DecodeBase64("not base64!!"); err == nil {
		t.Error("expected error for invalid base64 input")
	}
}
