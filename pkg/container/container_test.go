package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"

	"ctpack/internal/models"
)

// makeTestArtifact builds an artifact with a mix of narrow, widened and
// empty delta slices
func makeTestArtifact() *models.Artifact {
	rng := rand.New(rand.NewSource(21))
	ref := make([]byte, 300)
	rng.Read(ref)

	return &models.Artifact{
		Version: FormatVersion,
		Metadata: map[string]string{
			"patient_id": "case-0007",
			"series_uid": "1.2.840.113619.2.55.3",
			"modality":   "CT",
		},
		Crop: models.CropInfo{
			OriginalWidth: 512, OriginalHeight: 512, OriginalDepth: 120,
			X0: 30, Y0: 40, Z0: 5,
			X1: 480, Y1: 470, Z1: 115,
			Width: 450, Height: 430, Depth: 110,
			BackgroundValue: -1000,
		},
		ClipMin:   -4096,
		ClipMax:   4095,
		Reference: ref,
		Deltas: []models.DeltaSlice{
			{Indices: []uint32{1, 5, 9}, Values: []int32{100, -250, 31000}},
			{}, // a slice with no material change
			{Indices: []uint32{0, 2}, Values: []int32{40000, -40000}}, // needs widening
		},
	}
}

func artifactsEqual(t *testing.T, got, want *models.Artifact) {
	t.Helper()
	if got.Version != want.Version {
		t.Errorf("version = %d, want %d", got.Version, want.Version)
	}
	if len(got.Metadata) != len(want.Metadata) {
		t.Errorf("metadata has %d keys, want %d", len(got.Metadata), len(want.Metadata))
	}
	for k, v := range want.Metadata {
		if got.Metadata[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, got.Metadata[k], v)
		}
	}
	if got.Crop != want.Crop {
		t.Errorf("crop info = %+v, want %+v", got.Crop, want.Crop)
	}
	if got.ClipMin != want.ClipMin || got.ClipMax != want.ClipMax {
		t.Errorf("clip range = [%d,%d], want [%d,%d]", got.ClipMin, got.ClipMax, want.ClipMin, want.ClipMax)
	}
	if !bytes.Equal(got.Reference, want.Reference) {
		t.Error("reference bytes differ")
	}
	if len(got.Deltas) != len(want.Deltas) {
		t.Fatalf("got %d delta slices, want %d", len(got.Deltas), len(want.Deltas))
	}
	for k := range want.Deltas {
		if len(got.Deltas[k].Indices) != len(want.Deltas[k].Indices) {
			t.Fatalf("delta slice %d has %d entries, want %d",
				k, len(got.Deltas[k].Indices), len(want.Deltas[k].Indices))
		}
		for i := range want.Deltas[k].Indices {
			if got.Deltas[k].Indices[i] != want.Deltas[k].Indices[i] {
				t.Errorf("delta slice %d index %d differs", k, i)
			}
			if got.Deltas[k].Values[i] != want.Deltas[k].Values[i] {
				t.Errorf("delta slice %d value %d = %d, want %d",
					k, i, got.Deltas[k].Values[i], want.Deltas[k].Values[i])
			}
		}
	}
}

// TestRoundTripAllCodecs verifies write/read equality for every payload codec
func TestRoundTripAllCodecs(t *testing.T) {
	want := makeTestArtifact()

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		var buf bytes.Buffer
		if err := Write(&buf, want, codec); err != nil {
			t.Fatalf("%s: Write failed: %v", codec, err)
		}
		got, err := Read(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("%s: Read failed: %v", codec, err)
		}
		artifactsEqual(t, got, want)
	}
}

// TestWriteIsDeterministic verifies that reading an artifact and writing
// it again reproduces the same bytes
func TestWriteIsDeterministic(t *testing.T) {
	a := makeTestArtifact()

	var first bytes.Buffer
	if err := Write(&first, a, CodecNone); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reread, err := Read(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var second bytes.Buffer
	if err := Write(&second, reread, CodecNone); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("artifact bytes changed across a read/write cycle")
	}
}

// TestReadInfoSkipsPayload verifies the summary path returns header and
// crop data without decoding deltas
func TestReadInfoSkipsPayload(t *testing.T) {
	a := makeTestArtifact()

	var buf bytes.Buffer
	if err := Write(&buf, a, CodecZstd); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	info, err := ReadInfo(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.Version != FormatVersion {
		t.Errorf("version = %d, want %d", info.Version, FormatVersion)
	}
	if info.Crop != a.Crop {
		t.Errorf("crop = %+v, want %+v", info.Crop, a.Crop)
	}
	if info.Metadata["patient_id"] != "case-0007" {
		t.Errorf("metadata lost: %v", info.Metadata)
	}
	if info.PayloadBytes == 0 || info.BodyBytes == 0 {
		t.Error("payload/body sizes missing from info")
	}
}

// TestFileRoundTrip exercises the file-level helpers
func TestFileRoundTrip(t *testing.T) {
	a := makeTestArtifact()
	path := filepath.Join(t.TempDir(), "scan.ctp")

	if err := WriteFile(path, a, CodecZstd); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	artifactsEqual(t, got, a)
}

// TestRejectsBadMagic verifies a foreign file is refused up front
func TestRejectsBadMagic(t *testing.T) {
	data := []byte("PK\x03\x04 definitely a zip, not an artifact")
	if _, err := Read(bytes.NewReader(data)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

// TestRejectsUnknownVersion verifies there is no best-effort decode of
// future formats
func TestRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, makeTestArtifact(), CodecNone); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data := buf.Bytes()
	data[4] = FormatVersion + 1

	if _, err := Read(bytes.NewReader(data)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

// TestRejectsCorruptPayload verifies the checksum catches bit flips
func TestRejectsCorruptPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, makeTestArtifact(), CodecZstd); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data := buf.Bytes()
	data[len(data)-10] ^= 0xFF

	if _, err := Read(bytes.NewReader(data)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

// TestRejectsTruncatedFile verifies short reads surface as ErrTruncated
func TestRejectsTruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, makeTestArtifact(), CodecNone); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data := buf.Bytes()
	for _, cut := range []int{3, headerSize - 1, headerSize + 2, len(data) - 5} {
		if _, err := Read(bytes.NewReader(data[:cut])); !errors.Is(err, ErrTruncated) {
			t.Errorf("cut at %d: expected ErrTruncated, got %v", cut, err)
		}
	}
}

// TestRejectsBadDeltaWidth verifies a structurally invalid body is
// refused even when its checksum is valid
func TestRejectsBadDeltaWidth(t *testing.T) {
	a := &models.Artifact{
		Version:   FormatVersion,
		Crop:      models.CropInfo{OriginalWidth: 4, OriginalHeight: 4, OriginalDepth: 2, X1: 4, Y1: 4, Z1: 2, Width: 4, Height: 4, Depth: 2},
		ClipMin:   -4096,
		ClipMax:   4095,
		Reference: []byte{1, 2, 3, 4},
		Deltas: []models.DeltaSlice{
			{Indices: []uint32{0}, Values: []int32{100}},
		},
	}

	var buf bytes.Buffer
	if err := Write(&buf, a, CodecNone); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data := buf.Bytes()

	// The width byte of the first delta slice sits after the reference
	// block and delta count inside the payload
	payloadStart := len(data) - int(binary.LittleEndian.Uint64(data[16:24]))
	widthOff := payloadStart + 4 + len(a.Reference) + 4
	data[widthOff] = 3

	// Re-seal the tampered payload so the structural check is reached
	binary.LittleEndian.PutUint64(data[8:16], xxhash.Sum64(data[payloadStart:]))

	if _, err := Read(bytes.NewReader(data)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

// TestParseCodecNames covers the config-facing codec names
func TestParseCodecNames(t *testing.T) {
	cases := []struct {
		name string
		want Codec
	}{
		{"none", CodecNone},
		{"", CodecNone},
		{"zstd", CodecZstd},
		{"lz4", CodecLZ4},
	}
	for _, c := range cases {
		got, err := ParseCodec(c.name)
		if err != nil {
			t.Errorf("ParseCodec(%q) failed: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("ParseCodec(%q) = %v, want %v", c.name, got, c.want)
		}
	}

	if _, err := ParseCodec("gzip"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec for gzip, got %v", err)
	}
}

// TestEmptyDeltasRoundTrip covers a single-slice artifact
func TestEmptyDeltasRoundTrip(t *testing.T) {
	a := makeTestArtifact()
	a.Deltas = nil
	a.Crop.Depth = 1

	var buf bytes.Buffer
	if err := Write(&buf, a, CodecZstd); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got.Deltas) != 0 {
		t.Errorf("expected no delta slices, got %d", len(got.Deltas))
	}
}
