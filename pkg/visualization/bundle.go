// Package visualization exports human- and LLM-readable previews of a
// CT volume: windowed slice PNGs, a montage overview and a JSON
// manifest summarizing the scan and its compression footprint.
package visualization

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"ctpack/internal/models"
	"ctpack/pkg/metrics"
)

// Display defaults: the lung window used for chest CT previews
const (
	DefaultSliceCount   = 8
	DefaultMontageRows  = 3
	DefaultMontageCols  = 3
	DefaultWindowCenter = -600.0
	DefaultWindowWidth  = 1500.0
)

// positionLabels name where a selected slice sits along the scan axis
var positionLabels = []string{"top", "upper", "mid-upper", "mid", "mid-lower", "lower", "bottom"}

// Exporter renders preview bundles from a volume
type Exporter struct {
	// SliceCount is how many representative slices to export
	SliceCount int

	// MontageRows and MontageCols shape the overview grid
	MontageRows int
	MontageCols int

	// WindowCenter and WindowWidth define the HU display window
	WindowCenter float64
	WindowWidth  float64
}

// NewExporter returns an exporter with the default lung window
func NewExporter() *Exporter {
	return &Exporter{
		SliceCount:   DefaultSliceCount,
		MontageRows:  DefaultMontageRows,
		MontageCols:  DefaultMontageCols,
		WindowCenter: DefaultWindowCenter,
		WindowWidth:  DefaultWindowWidth,
	}
}

// Manifest is the bundle's machine-readable summary
type Manifest struct {
	PatientID string     `json:"patient_id"`
	SeriesUID string     `json:"series_uid"`
	Shape     [3]int     `json:"shape"` // depth, height, width
	SpacingMM [3]float64 `json:"spacing_mm"`

	HUStats struct {
		Min  int16   `json:"min"`
		Max  int16   `json:"max"`
		Mean float64 `json:"mean"`
		Std  float64 `json:"std"`
	} `json:"hu_stats"`

	Bundle struct {
		NumSlices    int      `json:"num_slices"`
		SliceIndices []int    `json:"slice_indices"`
		SliceFiles   []string `json:"slice_files"`
		MontageFile  string   `json:"montage_file"`
		TotalBytes   int64    `json:"total_bytes"`
	} `json:"bundle"`

	Window struct {
		Center float64 `json:"center"`
		Width  float64 `json:"width"`
	} `json:"window"`

	Tokens      models.TokenEstimate     `json:"tokens"`
	Compression *models.CompressionStats `json:"compression,omitempty"`
}

// SelectRepresentativeSlices picks count slice indices distributed
// through a depth-slice volume, mildly biased toward the center where
// the anatomy of interest usually sits. The bias blends a smoothstep
// curve with the linear ramp; duplicates collapse, so fewer than count
// indices may return for shallow volumes.
func SelectRepresentativeSlices(depth, count int) []int {
	if depth <= count {
		indices := make([]int, depth)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	seen := make(map[int]bool)
	var indices []int
	for i := 0; i < count; i++ {
		t := float64(i) / float64(count-1)
		biased := t*t*(3-2*t)*0.3 + t*0.7
		idx := int(biased * float64(depth-1))
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	return indices
}

// WindowSlice renders one axial slice as an 8-bit grayscale image
// using the exporter's HU display window
func (e *Exporter) WindowSlice(vol *models.Volume, z int) (*image.Gray, error) {
	if z < 0 || z >= vol.Depth {
		return nil, fmt.Errorf("visualization: slice %d out of range [0, %d)", z, vol.Depth)
	}

	img := image.NewGray(image.Rect(0, 0, vol.Width, vol.Height))
	data := vol.SliceData(z)
	lower := e.WindowCenter - e.WindowWidth/2
	for y := 0; y < vol.Height; y++ {
		for x := 0; x < vol.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: e.windowByte(data[y*vol.Width+x], lower)})
		}
	}
	return img, nil
}

func (e *Exporter) windowByte(v int16, lower float64) uint8 {
	w := (float64(v) - lower) / e.WindowWidth
	if w < 0 {
		w = 0
	} else if w > 1 {
		w = 1
	}
	return uint8(w * 255)
}

// Montage tiles representative slices into one overview image with the
// display window applied
func (e *Exporter) Montage(vol *models.Volume) (*image.Gray, error) {
	rows, cols := e.MontageRows, e.MontageCols
	indices := SelectRepresentativeSlices(vol.Depth, rows*cols)
	if len(indices) == 0 {
		return nil, fmt.Errorf("visualization: empty volume")
	}
	// Pad with the last slice so every tile is filled
	for len(indices) < rows*cols {
		indices = append(indices, indices[len(indices)-1])
	}

	montage := image.NewGray(image.Rect(0, 0, cols*vol.Width, rows*vol.Height))
	lower := e.WindowCenter - e.WindowWidth/2
	for i, idx := range indices {
		ox := (i % cols) * vol.Width
		oy := (i / cols) * vol.Height
		data := vol.SliceData(idx)
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				montage.SetGray(ox+x, oy+y, color.Gray{Y: e.windowByte(data[y*vol.Width+x], lower)})
			}
		}
	}
	return montage, nil
}

// ExportBundle writes the slice PNGs, the montage and manifest.json to
// outputDir. stats may be nil when the bundle is exported without a
// compression run.
func (e *Exporter) ExportBundle(vol *models.Volume, stats *models.CompressionStats, outputDir string) (*Manifest, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("visualization: creating %s: %v", outputDir, err)
	}

	indices := SelectRepresentativeSlices(vol.Depth, e.SliceCount)
	var sliceFiles []string
	var totalBytes int64

	for i, idx := range indices {
		img, err := e.WindowSlice(vol, idx)
		if err != nil {
			return nil, err
		}
		label := positionLabels[min(i, len(positionLabels)-1)]
		name := fmt.Sprintf("slice_%02d_%s.png", i, label)
		n, err := savePNG(filepath.Join(outputDir, name), img)
		if err != nil {
			return nil, err
		}
		sliceFiles = append(sliceFiles, name)
		totalBytes += n
	}

	montage, err := e.Montage(vol)
	if err != nil {
		return nil, err
	}
	n, err := savePNG(filepath.Join(outputDir, "montage_overview.png"), montage)
	if err != nil {
		return nil, err
	}
	totalBytes += n

	m := e.buildManifest(vol, stats, indices, sliceFiles, totalBytes)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("visualization: marshaling manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "manifest.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("visualization: writing manifest: %v", err)
	}
	return m, nil
}

// SaveSliceSequence writes every axial slice of a volume as a windowed
// PNG, one file per slice
func (e *Exporter) SaveSliceSequence(vol *models.Volume, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("visualization: creating %s: %v", outputDir, err)
	}
	for z := 0; z < vol.Depth; z++ {
		img, err := e.WindowSlice(vol, z)
		if err != nil {
			return err
		}
		name := filepath.Join(outputDir, fmt.Sprintf("slice_%04d.png", z))
		if _, err := savePNG(name, img); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) buildManifest(vol *models.Volume, stats *models.CompressionStats, indices []int, sliceFiles []string, totalBytes int64) *Manifest {
	m := &Manifest{}
	m.PatientID = vol.Metadata["patient_id"]
	m.SeriesUID = vol.Metadata["series_uid"]
	m.Shape = [3]int{vol.Depth, vol.Height, vol.Width}
	m.SpacingMM = [3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z}

	if len(vol.Data) > 0 {
		minV, maxV := vol.Data[0], vol.Data[0]
		samples := make([]float64, len(vol.Data))
		for i, v := range vol.Data {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
			samples[i] = float64(v)
		}
		m.HUStats.Min = minV
		m.HUStats.Max = maxV
		m.HUStats.Mean = stat.Mean(samples, nil)
		m.HUStats.Std = stat.StdDev(samples, nil)
	}

	m.Bundle.NumSlices = len(sliceFiles)
	m.Bundle.SliceIndices = indices
	m.Bundle.SliceFiles = sliceFiles
	m.Bundle.MontageFile = "montage_overview.png"
	m.Bundle.TotalBytes = totalBytes

	m.Window.Center = e.WindowCenter
	m.Window.Width = e.WindowWidth

	m.Tokens = metrics.CostSavings(vol.SizeBytes(), totalBytes)
	m.Compression = stats
	return m
}

func savePNG(path string, img image.Image) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("visualization: creating %s: %v", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return 0, fmt.Errorf("visualization: encoding %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), f.Close()
}
