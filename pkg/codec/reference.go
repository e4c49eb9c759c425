// Package codec implements the two lossless-by-construction encodings at
// the heart of ctpack: the 16-bit reference frame for the first slice and
// the sparse delta stream for every following slice.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"ctpack/internal/models"
)

// Default HU clip range for the reference frame. CT scanners emit values
// comfortably inside it; anything outside is clamped before quantization.
const (
	DefaultClipMin = -4096
	DefaultClipMax = 4095
)

var (
	// ErrEmptySlice is returned when a reference slice has no voxels
	ErrEmptySlice = errors.New("codec: empty reference slice")

	// ErrNotGray16 is returned when reference bytes decode to something
	// other than a 16-bit grayscale image
	ErrNotGray16 = errors.New("codec: reference image is not 16-bit grayscale")
)

// ReferenceCodec encodes the first slice of a volume as a 16-bit
// grayscale PNG. HU values are clipped to [ClipMin, ClipMax] and mapped
// onto the full uint16 range with integer arithmetic only, so the
// mapping round-trips exactly on every platform.
type ReferenceCodec struct {
	clipMin int32
	clipMax int32
	span    int64
}

// NewReferenceCodec creates a codec for the given clip range
func NewReferenceCodec(clipMin, clipMax int32) *ReferenceCodec {
	return &ReferenceCodec{
		clipMin: clipMin,
		clipMax: clipMax,
		span:    int64(clipMax) - int64(clipMin),
	}
}

// ClipRange returns the HU clip bounds the codec was built with
func (c *ReferenceCodec) ClipRange() (int32, int32) {
	return c.clipMin, c.clipMax
}

// Quantize maps an HU value to its 16-bit code. Values outside the clip
// range are clamped first. The quantization step is span/65535, applied
// as fixed-point integer math with round-half-down.
func (c *ReferenceCodec) Quantize(v int16) uint16 {
	a := int64(v) - int64(c.clipMin)
	if a < 0 {
		a = 0
	} else if a > c.span {
		a = c.span
	}
	return uint16((a*65535 + c.span/2) / c.span)
}

// Dequantize maps a 16-bit code back to its HU value. For every value in
// the clip range, Dequantize(Quantize(v)) == v: the uint16 range is wider
// than the clip span, so the rounded inverse lands on the original value.
func (c *ReferenceCodec) Dequantize(q uint16) int16 {
	return int16(int64(c.clipMin) + (int64(q)*c.span+32767)/65535)
}

// EncodeSlice serializes one slice as a 16-bit grayscale PNG
func (c *ReferenceCodec) EncodeSlice(data []int16, width, height int) ([]byte, error) {
	if len(data) == 0 || width <= 0 || height <= 0 {
		return nil, ErrEmptySlice
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("codec: slice has %d voxels, expected %dx%d", len(data), width, height)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: c.Quantize(data[y*width+x])})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("codec: encoding reference PNG: %v", err)
	}
	return buf.Bytes(), nil
}

// DecodeSlice parses reference PNG bytes back into HU voxels
func (c *ReferenceCodec) DecodeSlice(data []byte) ([]int16, int, int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("codec: decoding reference PNG: %v", err)
	}

	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, 0, 0, ErrNotGray16
	}

	bounds := gray.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	out := make([]int16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = c.Dequantize(gray.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
		}
	}
	return out, width, height, nil
}

// EncodeReference encodes slice 0 of a cropped volume
func (c *ReferenceCodec) EncodeReference(vol *models.Volume) ([]byte, error) {
	if vol.Depth == 0 {
		return nil, ErrEmptySlice
	}
	return c.EncodeSlice(vol.SliceData(0), vol.Width, vol.Height)
}
