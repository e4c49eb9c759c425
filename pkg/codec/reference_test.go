package codec

import (
	"bytes"
	"image"
	"image/png"
	"math/rand"
	"testing"
)

// TestQuantizeRoundTripExact verifies that every HU value in the clip
// range survives quantize/dequantize unchanged. The whole pipeline's
// zero-error guarantee rests on this identity.
func TestQuantizeRoundTripExact(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	for v := DefaultClipMin; v <= DefaultClipMax; v++ {
		q := c.Quantize(int16(v))
		back := c.Dequantize(q)
		if int(back) != v {
			t.Fatalf("round trip failed for %d: quantized to %d, decoded to %d", v, q, back)
		}
	}
}

// TestQuantizeBoundaries checks the exact codes of the clip extremes
func TestQuantizeBoundaries(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	if q := c.Quantize(DefaultClipMin); q != 0 {
		t.Errorf("Quantize(min) = %d, want 0", q)
	}
	if q := c.Quantize(DefaultClipMax); q != 65535 {
		t.Errorf("Quantize(max) = %d, want 65535", q)
	}
}

// TestQuantizeClampsOutOfRange verifies values beyond the clip range are
// clamped rather than wrapped
func TestQuantizeClampsOutOfRange(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	if got := c.Dequantize(c.Quantize(-5000)); got != DefaultClipMin {
		t.Errorf("below-range value decoded to %d, want %d", got, DefaultClipMin)
	}
	if got := c.Dequantize(c.Quantize(4200)); got != DefaultClipMax {
		t.Errorf("above-range value decoded to %d, want %d", got, DefaultClipMax)
	}
}

// TestQuantizeRoundTripCustomRange exercises a non-default clip range
func TestQuantizeRoundTripCustomRange(t *testing.T) {
	c := NewReferenceCodec(-1024, 3071)

	for v := -1024; v <= 3071; v++ {
		if got := c.Dequantize(c.Quantize(int16(v))); int(got) != v {
			t.Fatalf("round trip failed for %d: got %d", v, got)
		}
	}
}

// TestEncodeDecodeSlice verifies the PNG round trip reproduces a slice
// bit for bit
func TestEncodeDecodeSlice(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	width, height := 32, 24
	rng := rand.New(rand.NewSource(42))
	data := make([]int16, width*height)
	for i := range data {
		data[i] = int16(rng.Intn(8192) - 4096)
	}

	encoded, err := c.EncodeSlice(data, width, height)
	if err != nil {
		t.Fatalf("EncodeSlice failed: %v", err)
	}

	decoded, w, h, err := c.DecodeSlice(encoded)
	if err != nil {
		t.Fatalf("DecodeSlice failed: %v", err)
	}
	if w != width || h != height {
		t.Fatalf("decoded dimensions %dx%d, want %dx%d", w, h, width, height)
	}
	for i := range data {
		if decoded[i] != data[i] {
			t.Fatalf("voxel %d = %d after round trip, want %d", i, decoded[i], data[i])
		}
	}
}

// TestEncodeSliceRejectsBadInput covers the degenerate argument cases
func TestEncodeSliceRejectsBadInput(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	if _, err := c.EncodeSlice(nil, 0, 0); err == nil {
		t.Error("expected error for empty slice")
	}
	if _, err := c.EncodeSlice(make([]int16, 10), 4, 4); err == nil {
		t.Error("expected error for mismatched dimensions")
	}
}

// TestDecodeSliceRejectsWrongDepth verifies that an 8-bit PNG is refused
func TestDecodeSliceRejectsWrongDepth(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	img := image.NewGray(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test PNG: %v", err)
	}

	if _, _, _, err := c.DecodeSlice(buf.Bytes()); err != ErrNotGray16 {
		t.Errorf("expected ErrNotGray16, got %v", err)
	}
}

// TestDecodeSliceRejectsGarbage verifies corrupt bytes produce an error
func TestDecodeSliceRejectsGarbage(t *testing.T) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	if _, _, _, err := c.DecodeSlice([]byte("not a png at all")); err == nil {
		t.Error("expected error for corrupt reference bytes")
	}
}

// BenchmarkEncodeSlice measures reference encoding of a full CT slice
func BenchmarkEncodeSlice(b *testing.B) {
	c := NewReferenceCodec(DefaultClipMin, DefaultClipMax)

	width, height := 512, 512
	rng := rand.New(rand.NewSource(7))
	data := make([]int16, width*height)
	for i := range data {
		data[i] = int16(rng.Intn(3000) - 1000)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.EncodeSlice(data, width, height); err != nil {
			b.Fatal(err)
		}
	}
}
