// Package compression orchestrates the full compress/decompress
// pipeline: body-region crop, reference frame encoding, sparse delta
// extraction and container serialization, plus the reverse path.
package compression

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"ctpack/internal/models"
	"ctpack/pkg/codec"
	"ctpack/pkg/container"
	"ctpack/pkg/cropper"
)

// ErrEmptyVolume is returned when a volume has no voxels to compress
var ErrEmptyVolume = errors.New("compression: empty volume")

// ProgressFunc reports pipeline progress at slice granularity. stage is
// a short name ("crop", "reference", "deltas", "reconstruct"), done and
// total count slices within that stage.
type ProgressFunc func(stage string, done, total int)

// Params holds the pipeline configuration
type Params struct {
	// BodyThreshold is the HU cutoff for the body bounding box
	BodyThreshold int16

	// DeltaThreshold is the materiality cutoff for sparse deltas
	DeltaThreshold int32

	// ClipMin and ClipMax bound the reference frame HU range
	ClipMin int32
	ClipMax int32

	// Codec selects the container payload compression
	Codec container.Codec

	// NumCores caps the goroutines used for parallel delta encoding
	NumCores int

	// Progress, when set, is invoked as slices are processed
	Progress ProgressFunc
}

// DefaultParams returns the pipeline defaults
func DefaultParams() Params {
	return Params{
		BodyThreshold:  cropper.DefaultBodyThreshold,
		DeltaThreshold: codec.DefaultDeltaThreshold,
		ClipMin:        codec.DefaultClipMin,
		ClipMax:        codec.DefaultClipMax,
		Codec:          container.CodecZstd,
		NumCores:       runtime.NumCPU(),
	}
}

// Pipeline wires the cropper and the two codecs into one compress/
// decompress engine. It holds no per-volume state; one pipeline can
// serve any number of sequential calls.
type Pipeline struct {
	params   Params
	cropper  *cropper.Cropper
	refCodec *codec.ReferenceCodec
	deltas   *codec.DeltaCodec
}

// New creates a pipeline for the given parameters
func New(params Params) *Pipeline {
	if params.NumCores < 1 {
		params.NumCores = runtime.NumCPU()
	}
	return &Pipeline{
		params:   params,
		cropper:  cropper.New(params.BodyThreshold),
		refCodec: codec.NewReferenceCodec(params.ClipMin, params.ClipMax),
		deltas:   codec.NewDeltaCodec(params.DeltaThreshold),
	}
}

// Params returns the pipeline configuration
func (p *Pipeline) Params() Params {
	return p.params
}

// Compress runs the full encode path over a volume. The input is never
// modified. Stats cover the in-memory stages; CompressedBytes is zero
// until the artifact is serialized (see CompressFile).
func (p *Pipeline) Compress(vol *models.Volume) (*models.Artifact, *models.CompressionStats, error) {
	if vol == nil || vol.NumVoxels() == 0 {
		return nil, nil, ErrEmptyVolume
	}

	start := time.Now()

	// Stage 1: crop to the body bounding box
	p.progress("crop", 0, 1)
	cropped, cropInfo, found := p.cropper.Crop(vol)
	if !found {
		fmt.Println("warning: no voxels above body threshold, compressing the full extent")
	}
	p.progress("crop", 1, 1)

	// Stage 2: encode the reference frame
	reference, err := p.refCodec.EncodeReference(cropped)
	if err != nil {
		return nil, nil, fmt.Errorf("compression: encoding reference frame: %w", err)
	}
	p.progress("reference", 1, 1)

	// Stage 3: extract sparse deltas, fanned out across cores. Each
	// delta depends only on two adjacent original slices, so slice
	// order in the result array is fixed regardless of scheduling.
	deltaSlices := p.encodeDeltas(cropped)

	a := &models.Artifact{
		Version:   container.FormatVersion,
		Metadata:  vol.Metadata,
		Crop:      cropInfo,
		ClipMin:   p.params.ClipMin,
		ClipMax:   p.params.ClipMax,
		Reference: reference,
		Deltas:    deltaSlices,
	}

	elapsed := time.Since(start).Seconds()
	stats := &models.CompressionStats{
		OriginalBytes:  vol.SizeBytes(),
		Sparsity:       codec.Sparsity(deltaSlices, cropped.NumVoxels()),
		SliceCount:     cropped.Depth,
		StoredDeltas:   a.StoredDeltaCount(),
		ElapsedSeconds: elapsed,
	}
	if elapsed > 0 {
		stats.ThroughputMBps = float64(stats.OriginalBytes) / (1024 * 1024) / elapsed
	}

	return a, stats, nil
}

// CompressFile compresses a volume and writes the artifact to path,
// filling in the serialized size and ratio
func (p *Pipeline) CompressFile(vol *models.Volume, path string) (*models.Artifact, *models.CompressionStats, error) {
	a, stats, err := p.Compress(vol)
	if err != nil {
		return nil, nil, err
	}

	if err := container.WriteFile(path, a, p.params.Codec); err != nil {
		return nil, nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("compression: stat %s: %v", path, err)
	}
	FinalizeStats(stats, fi.Size())

	return a, stats, nil
}

// Decompress rebuilds the original volume from an artifact. The
// reference frame seeds slice 0 of the cropped region; every following
// slice is the previous one plus its stored deltas; finally the crop
// is undone by painting into a background-filled canvas.
func (p *Pipeline) Decompress(a *models.Artifact) (*models.Volume, error) {
	refCodec := codec.NewReferenceCodec(a.ClipMin, a.ClipMax)
	reference, width, height, err := refCodec.DecodeSlice(a.Reference)
	if err != nil {
		return nil, fmt.Errorf("compression: decoding reference frame: %w", err)
	}
	if width != a.Crop.Width || height != a.Crop.Height {
		return nil, fmt.Errorf("compression: reference frame is %dx%d but crop info says %dx%d",
			width, height, a.Crop.Width, a.Crop.Height)
	}
	if len(a.Deltas)+1 != a.Crop.Depth {
		return nil, fmt.Errorf("compression: %d delta slices for crop depth %d",
			len(a.Deltas), a.Crop.Depth)
	}

	depth := a.Crop.Depth
	cropped := models.NewVolume(width, height, depth)
	copy(cropped.SliceData(0), reference)
	p.progress("reconstruct", 1, depth)

	// Sequential by nature: slice k is built from slice k-1
	for k := 1; k < depth; k++ {
		curr := cropped.SliceData(k)
		copy(curr, cropped.SliceData(k-1))
		if err := p.deltas.ApplySlice(curr, a.Deltas[k-1]); err != nil {
			return nil, fmt.Errorf("compression: reconstructing slice %d: %w", k, err)
		}
		p.progress("reconstruct", k+1, depth)
	}

	vol := p.cropper.Restore(cropped, a.Crop)
	vol.Metadata = a.Metadata
	return vol, nil
}

// DecompressFile reads an artifact from path and rebuilds the volume
func (p *Pipeline) DecompressFile(path string) (*models.Volume, *models.Artifact, error) {
	a, err := container.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	vol, err := p.Decompress(a)
	if err != nil {
		return nil, nil, err
	}
	return vol, a, nil
}

// encodeDeltas extracts the per-slice deltas with a worker pool over
// slice indices. Results land in a pre-sized array, so the output is
// identical to a serial pass.
func (p *Pipeline) encodeDeltas(cropped *models.Volume) []models.DeltaSlice {
	numDeltas := cropped.Depth - 1
	if numDeltas <= 0 {
		p.progress("deltas", 0, 0)
		return nil
	}

	deltaSlices := make([]models.DeltaSlice, numDeltas)
	numCores := p.params.NumCores
	if numCores > numDeltas {
		numCores = numDeltas
	}

	var done atomic.Int64
	var wg sync.WaitGroup
	slicesPerCore := (numDeltas + numCores - 1) / numCores

	for core := 0; core < numCores; core++ {
		wg.Add(1)

		go func(coreID int) {
			defer wg.Done()

			start := coreID * slicesPerCore
			end := start + slicesPerCore
			if end > numDeltas {
				end = numDeltas
			}

			for k := start; k < end; k++ {
				deltaSlices[k] = p.deltas.EncodeSlice(cropped.SliceData(k), cropped.SliceData(k+1))
				p.progress("deltas", int(done.Add(1)), numDeltas)
			}
		}(core)
	}

	wg.Wait()
	return deltaSlices
}

func (p *Pipeline) progress(stage string, done, total int) {
	if p.params.Progress != nil {
		p.params.Progress(stage, done, total)
	}
}

// FinalizeStats fills the size-dependent fields once the artifact's
// serialized size is known
func FinalizeStats(stats *models.CompressionStats, compressedBytes int64) {
	stats.CompressedBytes = compressedBytes
	if compressedBytes > 0 {
		stats.Ratio = float64(stats.OriginalBytes) / float64(compressedBytes)
	}
	if stats.OriginalBytes > 0 {
		stats.SpaceSavedPercent = 100 * (1 - float64(compressedBytes)/float64(stats.OriginalBytes))
	}
}
