// Package dicomio loads CT volumes from directories of DICOM files.
// It selects the primary axial CT series, orders its slices and
// converts stored pixel values to Hounsfield Units.
package dicomio

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctpack/internal/models"
)

// Series selection defaults. Scout and localizer series are short;
// anything under MinSlices is skipped as not being the primary scan.
const (
	DefaultModality  = "CT"
	DefaultMinSlices = 20
)

var (
	// ErrNoDICOMFiles is returned when the directory holds no parseable
	// DICOM file
	ErrNoDICOMFiles = errors.New("dicomio: no DICOM files found")

	// ErrNoSeries is returned when no series matches the modality and
	// minimum slice count
	ErrNoSeries = errors.New("dicomio: no suitable CT series found")

	// ErrInconsistentGeometry is returned when slices of one series
	// disagree on their row/column extent
	ErrInconsistentGeometry = errors.New("dicomio: inconsistent slice geometry")
)

// Loader reads DICOM series into volumes
type Loader struct {
	// Modality restricts series selection (default "CT")
	Modality string

	// MinSlices is the smallest series considered a primary scan
	MinSlices int
}

// NewLoader returns a loader with the default series selection rules
func NewLoader() *Loader {
	return &Loader{
		Modality:  DefaultModality,
		MinSlices: DefaultMinSlices,
	}
}

// sliceRef is one slice of a candidate series before pixel loading
type sliceRef struct {
	path string

	// zPos is ImagePositionPatient[2]; hasZPos is false when the tag
	// is absent and instance ordering is the fallback
	zPos    float64
	hasZPos bool

	instance int
}

// LoadVolume walks dir recursively, picks the largest matching series
// and returns it as a volume in Hounsfield Units
func (l *Loader) LoadVolume(dir string) (*models.Volume, error) {
	series, err := l.scanSeries(dir)
	if err != nil {
		return nil, err
	}

	uid := selectSeries(series, l.MinSlices)
	if uid == "" {
		return nil, ErrNoSeries
	}

	refs := series[uid]
	sortSlices(refs)
	return l.loadSlices(uid, refs)
}

// scanSeries reads headers only and groups files by SeriesInstanceUID,
// keeping files of the configured modality. Unreadable files are
// skipped rather than failing the whole load.
func (l *Loader) scanSeries(dir string) (map[string][]*sliceRef, error) {
	series := make(map[string][]*sliceRef)
	anyDICOM := false

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			return nil
		}
		anyDICOM = true

		if modality, _ := stringValue(&ds, tag.Modality); modality != l.Modality {
			return nil
		}
		uid, ok := stringValue(&ds, tag.SeriesInstanceUID)
		if !ok {
			return nil
		}

		ref := &sliceRef{path: path}
		if ipp, ok := floatValues(&ds, tag.ImagePositionPatient); ok && len(ipp) >= 3 {
			ref.zPos = ipp[2]
			ref.hasZPos = true
		}
		if n, ok := intValue(&ds, tag.InstanceNumber); ok {
			ref.instance = n
		}

		series[uid] = append(series[uid], ref)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dicomio: walking %s: %v", dir, err)
	}
	if !anyDICOM {
		return nil, fmt.Errorf("%w in %s", ErrNoDICOMFiles, dir)
	}
	return series, nil
}

// selectSeries picks the series with the most slices among those
// meeting the minimum. Ties break on UID so the choice is stable.
func selectSeries(series map[string][]*sliceRef, minSlices int) string {
	best := ""
	bestCount := 0
	for uid, refs := range series {
		if len(refs) < minSlices {
			continue
		}
		if len(refs) > bestCount || (len(refs) == bestCount && uid < best) {
			best = uid
			bestCount = len(refs)
		}
	}
	return best
}

// sortSlices orders a series along the scan axis: by the Z component
// of ImagePositionPatient when present, falling back to InstanceNumber
// and finally the file path
func sortSlices(refs []*sliceRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.hasZPos && b.hasZPos && a.zPos != b.zPos {
			return a.zPos < b.zPos
		}
		if a.instance != b.instance {
			return a.instance < b.instance
		}
		return a.path < b.path
	})
}

// loadSlices re-reads each file with pixel data and stacks the frames
// into a volume
func (l *Loader) loadSlices(uid string, refs []*sliceRef) (*models.Volume, error) {
	var vol *models.Volume
	var pixelSpacing []float64
	sliceThickness := 1.0
	patientID := ""
	loaded := 0

	for _, ref := range refs {
		ds, err := dicom.ParseFile(ref.path, nil)
		if err != nil {
			// Corrupt slice in an otherwise valid series: skip it
			continue
		}

		el, err := ds.FindElementByTag(tag.PixelData)
		if err != nil {
			continue
		}
		info := dicom.MustGetPixelDataInfo(el.Value)
		if len(info.Frames) == 0 {
			continue
		}
		frame, err := info.Frames[0].GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("dicomio: decoding %s: %v", ref.path, err)
		}

		if vol == nil {
			vol = models.NewVolume(frame.Cols, frame.Rows, len(refs))
			if ps, ok := floatValues(&ds, tag.PixelSpacing); ok && len(ps) >= 2 {
				pixelSpacing = ps
			}
			if st, ok := floatValues(&ds, tag.SliceThickness); ok && len(st) >= 1 {
				sliceThickness = st[0]
			}
			patientID, _ = stringValue(&ds, tag.PatientID)
		} else if frame.Cols != vol.Width || frame.Rows != vol.Height {
			return nil, fmt.Errorf("%w: %s is %dx%d, series is %dx%d",
				ErrInconsistentGeometry, ref.path, frame.Cols, frame.Rows, vol.Width, vol.Height)
		}

		slope, intercept := rescale(&ds)
		dst := vol.SliceData(loaded)
		for j, sample := range frame.Data {
			hu := float64(sample[0])*slope + intercept
			dst[j] = clampHU(hu)
		}
		loaded++
	}

	if vol == nil || loaded == 0 {
		return nil, fmt.Errorf("%w: no readable slices in series %s", ErrNoSeries, uid)
	}
	if loaded < vol.Depth {
		// Some slices were skipped; shrink the volume to what loaded
		vol.Data = vol.Data[:loaded*vol.Width*vol.Height]
		vol.Depth = loaded
	}

	vol.VoxelSize.X, vol.VoxelSize.Y = 1.0, 1.0
	if len(pixelSpacing) >= 2 {
		// PixelSpacing is (row spacing, column spacing)
		vol.VoxelSize.Y = pixelSpacing[0]
		vol.VoxelSize.X = pixelSpacing[1]
	}
	vol.VoxelSize.Z = sliceSpacing(refs, sliceThickness)

	vol.Metadata = map[string]string{
		"patient_id":  patientID,
		"series_uid":  uid,
		"modality":    l.Modality,
		"slice_count": strconv.Itoa(loaded),
	}
	return vol, nil
}

// sliceSpacing derives the inter-slice distance from the first two
// sorted positions, falling back to the recorded thickness
func sliceSpacing(refs []*sliceRef, thickness float64) float64 {
	if len(refs) >= 2 && refs[0].hasZPos && refs[1].hasZPos {
		if d := math.Abs(refs[1].zPos - refs[0].zPos); d > 0 {
			return d
		}
	}
	if thickness > 0 {
		return thickness
	}
	return 1.0
}

// rescale reads RescaleSlope/RescaleIntercept, defaulting to the
// identity mapping when absent
func rescale(ds *dicom.Dataset) (slope, intercept float64) {
	slope, intercept = 1.0, 0.0
	if v, ok := floatValues(ds, tag.RescaleSlope); ok && len(v) >= 1 {
		slope = v[0]
	}
	if v, ok := floatValues(ds, tag.RescaleIntercept); ok && len(v) >= 1 {
		intercept = v[0]
	}
	return slope, intercept
}

// clampHU rounds a rescaled value into the int16 HU range
func clampHU(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

// stringValue reads the first string of an element, if present
func stringValue(ds *dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	if s, ok := el.Value.GetValue().([]string); ok && len(s) > 0 {
		return s[0], true
	}
	return "", false
}

// intValue reads the first integer of an element. DICOM IS values
// arrive as strings, so both representations are handled.
func intValue(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(v[0]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// floatValues reads an element's values as floats. DS values arrive as
// decimal strings.
func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v, len(v) > 0
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, len(out) > 0
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, len(out) > 0
	}
	return nil, false
}
