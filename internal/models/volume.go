package models

import (
	"encoding/json"
	"math"
)

// Volume represents a 3D CT volume in Hounsfield Units
type Volume struct {
	// Data is the voxel data as a 1D array in row-major order
	// (x fastest: index = z*Width*Height + y*Width + x)
	Data []int16

	// Width is the number of columns per slice
	Width int

	// Height is the number of rows per slice
	Height int

	// Depth is the number of axial slices
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Metadata carries source information (patient ID, series UID, modality)
	Metadata map[string]string
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]int16, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// NumVoxels returns the total number of voxels in the volume
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates to the flattened row-major index
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at the given coordinates
func (v *Volume) At(x, y, z int) int16 {
	return v.Data[z*v.Width*v.Height+y*v.Width+x]
}

// Set stores a voxel value at the given coordinates
func (v *Volume) Set(x, y, z int, value int16) {
	v.Data[z*v.Width*v.Height+y*v.Width+x] = value
}

// SliceData returns the voxels of one axial slice as a subslice of Data.
// The returned slice shares backing memory with the volume.
func (v *Volume) SliceData(z int) []int16 {
	n := v.Width * v.Height
	return v.Data[z*n : (z+1)*n]
}

// SizeBytes returns the in-memory size of the voxel data in bytes
func (v *Volume) SizeBytes() int64 {
	return int64(len(v.Data)) * 2
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:      make([]int16, len(v.Data)),
		Width:     v.Width,
		Height:    v.Height,
		Depth:     v.Depth,
		VoxelSize: v.VoxelSize,
	}
	copy(out.Data, v.Data)
	if v.Metadata != nil {
		out.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			out.Metadata[k] = val
		}
	}
	return out
}

// CropInfo describes how a volume was cropped to its body bounding box
// and how to restore the original extent
type CropInfo struct {
	// OriginalWidth, OriginalHeight, OriginalDepth are the pre-crop dimensions
	OriginalWidth  int
	OriginalHeight int
	OriginalDepth  int

	// X0, Y0, Z0 are the inclusive lower corners of the bounding box
	X0, Y0, Z0 int

	// X1, Y1, Z1 are the exclusive upper corners of the bounding box
	X1, Y1, Z1 int

	// Width, Height, Depth are the cropped dimensions (X1-X0 etc.)
	Width, Height, Depth int

	// BackgroundValue is the fill value for voxels outside the bounding
	// box when the original extent is restored
	BackgroundValue int16
}

// DeltaSlice holds the material voxel changes between one slice and the
// previous original slice
type DeltaSlice struct {
	// Indices are flattened within-slice positions (row-major, ascending)
	Indices []uint32

	// Values are the signed differences at those positions. They are
	// computed in int32 so that any int16 pair subtracts without overflow.
	Values []int32
}

// Artifact is the in-memory form of a compressed volume
type Artifact struct {
	// Version is the container format version
	Version uint8

	// Metadata is the opaque key/value blob carried alongside the data
	Metadata map[string]string

	// Crop records the bounding box and background fill
	Crop CropInfo

	// ClipMin, ClipMax are the HU clip range used by the reference codec
	ClipMin, ClipMax int32

	// Reference is the encoded first slice (16-bit grayscale PNG)
	Reference []byte

	// Deltas are the per-slice sparse changes for slices 1..Depth-1
	Deltas []DeltaSlice
}

// StoredDeltaCount returns the total number of stored delta values
func (a *Artifact) StoredDeltaCount() int64 {
	var n int64
	for _, d := range a.Deltas {
		n += int64(len(d.Indices))
	}
	return n
}

// CompressionStats summarizes one compression run
type CompressionStats struct {
	// OriginalBytes is the raw voxel data size
	OriginalBytes int64 `json:"original_bytes"`

	// CompressedBytes is the serialized artifact size
	CompressedBytes int64 `json:"compressed_bytes"`

	// Ratio is OriginalBytes / CompressedBytes
	Ratio float64 `json:"ratio"`

	// SpaceSavedPercent is 100 * (1 - CompressedBytes/OriginalBytes)
	SpaceSavedPercent float64 `json:"space_saved_percent"`

	// Sparsity is the fraction of voxels with no stored delta
	Sparsity float64 `json:"sparsity"`

	// SliceCount is the number of slices in the cropped volume
	SliceCount int `json:"slice_count"`

	// StoredDeltas is the total number of stored delta values
	StoredDeltas int64 `json:"stored_deltas"`

	// ElapsedSeconds is the wall time of the compression stage
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	// ThroughputMBps is original megabytes processed per second
	ThroughputMBps float64 `json:"throughput_mbps"`
}

// Decibels is a dB measurement. JSON has no Infinity literal, so an
// infinite value (the bit-exact reconstruction case) marshals to null
// and null unmarshals back to +Inf.
type Decibels float64

func (d Decibels) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(d), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(d))
}

func (d *Decibels) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Decibels(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*d = Decibels(f)
	return nil
}

// QualityReport holds reconstruction fidelity metrics
type QualityReport struct {
	// PSNR is the peak signal-to-noise ratio in dB over the body region
	// (+Inf for a bit-exact reconstruction)
	PSNR Decibels `json:"psnr_db"`

	// SSIM is the structural similarity index in [0, 1]
	SSIM float64 `json:"ssim"`

	// MeanAbsError is the mean absolute voxel error in HU
	MeanAbsError float64 `json:"mean_abs_error"`

	// MaxAbsError is the largest absolute voxel error in HU
	MaxAbsError float64 `json:"max_abs_error"`

	// Passed reports whether both quality thresholds were met
	Passed bool `json:"passed"`
}

// TokenEstimate summarizes the LLM token footprint of original vs
// compressed data (tokens approximated as bytes/4)
type TokenEstimate struct {
	OriginalTokens     int64   `json:"original_tokens"`
	CompressedTokens   int64   `json:"compressed_tokens"`
	SavingsPercent     float64 `json:"savings_pct"`
	OriginalCostUSD    float64 `json:"original_cost_usd"`
	CompressedCostUSD  float64 `json:"compressed_cost_usd"`
	SavingsPerQueryUSD float64 `json:"savings_per_query_usd"`
}
