// Package evaluate checks that compression does not flip the coarse
// normal/abnormal classification of a scan. The classifier is a crude
// density heuristic, NOT a diagnostic tool: it exists only to measure
// whether the codec round trip preserves detectability.
package evaluate

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"ctpack/internal/models"
)

// Classification labels
const (
	LabelNormal   = "normal"
	LabelAbnormal = "abnormal"
)

// Heuristic defaults, expressed in HU and voxels
const (
	DefaultLungLow          = -900
	DefaultLungHigh         = -200
	DefaultSoftTissueHU     = 30
	DefaultDilateIterations = 5
	DefaultMinNoduleVoxels  = 50
)

// Region is one detected high-density component
type Region struct {
	// Centroid is the mean voxel position as (z, y, x)
	Centroid [3]float64 `json:"centroid"`

	// SizeVoxels is the component's voxel count
	SizeVoxels int `json:"size_voxels"`

	// DiameterVoxels is the equivalent-sphere diameter
	DiameterVoxels float64 `json:"diameter_voxels"`
}

// Classifier flags volumes containing nodule-like dense regions inside
// the lung field
type Classifier struct {
	// LungLow and LungHigh bound the lung-density HU band
	LungLow  int16
	LungHigh int16

	// SoftTissueHU is the density above which a voxel is a nodule
	// candidate
	SoftTissueHU int16

	// DilateIterations expands the lung mask so candidates on the lung
	// boundary are included
	DilateIterations int

	// MinNoduleVoxels is the smallest component considered significant
	MinNoduleVoxels int
}

// NewClassifier returns a classifier with the default heuristic bands
func NewClassifier() *Classifier {
	return &Classifier{
		LungLow:          DefaultLungLow,
		LungHigh:         DefaultLungHigh,
		SoftTissueHU:     DefaultSoftTissueHU,
		DilateIterations: DefaultDilateIterations,
		MinNoduleVoxels:  DefaultMinNoduleVoxels,
	}
}

// Classify labels a volume abnormal when any detected region reaches
// the significance size. The regions found are returned for reporting.
func (c *Classifier) Classify(vol *models.Volume) (string, []Region) {
	regions := c.DetectRegions(vol, c.MinNoduleVoxels)
	if len(regions) > 0 {
		return LabelAbnormal, regions
	}
	return LabelNormal, regions
}

// DetectRegions finds connected components of soft-tissue density
// inside the dilated lung field with at least minSize voxels. Results
// are sorted largest first.
func (c *Classifier) DetectRegions(vol *models.Volume, minSize int) []Region {
	n := vol.NumVoxels()
	if n == 0 {
		return nil
	}

	// Lung field: voxels in the air-to-lung density band
	lung := make([]bool, n)
	for i, v := range vol.Data {
		lung[i] = v > c.LungLow && v < c.LungHigh
	}
	dilate(lung, vol.Width, vol.Height, vol.Depth, c.DilateIterations)

	// Candidates: dense voxels within the expanded lung field
	candidate := make([]bool, n)
	for i, v := range vol.Data {
		candidate[i] = lung[i] && v > c.SoftTissueHU
	}

	regions := labelComponents(candidate, vol.Width, vol.Height, vol.Depth, minSize)
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].SizeVoxels > regions[j].SizeVoxels
	})
	return regions
}

// dilate grows a mask by iterations steps of 6-connected dilation,
// in place
func dilate(mask []bool, width, height, depth, iterations int) {
	if iterations <= 0 {
		return
	}
	next := make([]bool, len(mask))

	for iter := 0; iter < iterations; iter++ {
		copy(next, mask)
		idx := 0
		for z := 0; z < depth; z++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					if mask[idx] {
						if x > 0 {
							next[idx-1] = true
						}
						if x < width-1 {
							next[idx+1] = true
						}
						if y > 0 {
							next[idx-width] = true
						}
						if y < height-1 {
							next[idx+width] = true
						}
						if z > 0 {
							next[idx-width*height] = true
						}
						if z < depth-1 {
							next[idx+width*height] = true
						}
					}
					idx++
				}
			}
		}
		copy(mask, next)
	}
}

// labelComponents runs a 6-connected flood fill over the mask and
// returns every component with at least minSize voxels
func labelComponents(mask []bool, width, height, depth, minSize int) []Region {
	visited := make([]bool, len(mask))
	var regions []Region
	var queue []int

	planeSize := width * height
	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		// Flood fill one component
		queue = queue[:0]
		queue = append(queue, start)
		visited[start] = true
		size := 0
		var sumZ, sumY, sumX float64

		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++

			z := idx / planeSize
			rem := idx % planeSize
			y := rem / width
			x := rem % width
			sumZ += float64(z)
			sumY += float64(y)
			sumX += float64(x)

			push := func(nb int) {
				if mask[nb] && !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
			if x > 0 {
				push(idx - 1)
			}
			if x < width-1 {
				push(idx + 1)
			}
			if y > 0 {
				push(idx - width)
			}
			if y < height-1 {
				push(idx + width)
			}
			if z > 0 {
				push(idx - planeSize)
			}
			if z < depth-1 {
				push(idx + planeSize)
			}
		}

		if size >= minSize {
			s := float64(size)
			regions = append(regions, Region{
				Centroid:       [3]float64{sumZ / s, sumY / s, sumX / s},
				SizeVoxels:     size,
				DiameterVoxels: math.Cbrt(6 * s / math.Pi),
			})
		}
	}
	return regions
}

// LoadLabelsCSV reads case,label rows. A header row is skipped when
// present; labels other than normal/abnormal are rejected.
func LoadLabelsCSV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("evaluate: opening labels: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("evaluate: parsing labels CSV: %v", err)
	}

	labels := make(map[string]string)
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		id := strings.TrimSpace(row[0])
		label := strings.ToLower(strings.TrimSpace(row[1]))
		if i == 0 && label != LabelNormal && label != LabelAbnormal {
			// Header row
			continue
		}
		if label != LabelNormal && label != LabelAbnormal {
			return nil, fmt.Errorf("evaluate: row %d: unknown label %q", i+1, row[1])
		}
		labels[id] = label
	}
	return labels, nil
}
