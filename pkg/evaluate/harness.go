package evaluate

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ctpack/internal/models"
	"ctpack/pkg/compression"
	"ctpack/pkg/dicomio"
	"ctpack/pkg/metrics"
)

// LoadFunc loads one case directory into a volume
type LoadFunc func(dir string) (*models.Volume, error)

// CaseResult records one case of a dataset evaluation
type CaseResult struct {
	CaseID             string  `json:"case_id"`
	GroundTruth        string  `json:"ground_truth"`
	OriginalLabel      string  `json:"original_label"`
	ReconstructedLabel string  `json:"reconstructed_label"`
	LabelPreserved     bool            `json:"label_preserved"`
	ReconCorrect       bool            `json:"recon_correct"`
	PSNR               models.Decibels `json:"psnr_db"`
	SSIM               float64         `json:"ssim"`
	Error              string          `json:"error,omitempty"`
}

// DatasetResult aggregates a run over many cases. The confusion matrix
// compares the ground truth against the RECONSTRUCTED volume's label,
// so it measures the classifier as consumers of compressed data see it.
type DatasetResult struct {
	Cases []CaseResult `json:"cases"`

	TP int `json:"tp"`
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`

	// Percentages over the evaluated cases
	Accuracy              float64 `json:"accuracy_pct"`
	Precision             float64 `json:"precision_pct"`
	Recall                float64 `json:"recall_pct"`
	TrueNegativeRate      float64 `json:"true_negative_rate_pct"`
	LabelPreservationRate float64 `json:"label_preservation_rate_pct"`

	// Mean quality over cases with a finite PSNR
	MeanPSNR models.Decibels `json:"mean_psnr_db"`
	MeanSSIM float64         `json:"mean_ssim"`
}

// Harness runs the codec round trip and the classifier over a dataset
type Harness struct {
	Classifier *Classifier
	Pipeline   *compression.Pipeline
	Verifier   *metrics.Verifier

	// Load maps a case directory to a volume; defaults to the DICOM
	// loader
	Load LoadFunc
}

// NewHarness wires the default classifier, pipeline, verifier and
// DICOM loader
func NewHarness() *Harness {
	loader := dicomio.NewLoader()
	return &Harness{
		Classifier: NewClassifier(),
		Pipeline:   compression.New(compression.DefaultParams()),
		Verifier:   metrics.NewVerifier(),
		Load:       loader.LoadVolume,
	}
}

// EvaluateCase classifies a volume before and after the codec round
// trip and compares both against the ground truth label
func (h *Harness) EvaluateCase(caseID string, vol *models.Volume, groundTruth string) CaseResult {
	result := CaseResult{CaseID: caseID, GroundTruth: groundTruth}

	origLabel, _ := h.Classifier.Classify(vol)
	result.OriginalLabel = origLabel
	if groundTruth == "" {
		// No external label: the heuristic on the original is the truth
		result.GroundTruth = origLabel
	}

	artifact, _, err := h.Pipeline.Compress(vol)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	recon, err := h.Pipeline.Decompress(artifact)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	reconLabel, _ := h.Classifier.Classify(recon)
	result.ReconstructedLabel = reconLabel
	result.LabelPreserved = origLabel == reconLabel
	result.ReconCorrect = reconLabel == result.GroundTruth

	report, err := h.Verifier.Verify(vol, recon)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.PSNR = report.PSNR
	result.SSIM = report.SSIM
	return result
}

// EvaluateDataset runs every case subdirectory of dataDir through
// EvaluateCase. labels maps case directory names to ground truth; a
// case missing from the map falls back to the heuristic label of its
// original volume.
func (h *Harness) EvaluateDataset(dataDir string, labels map[string]string) (*DatasetResult, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("evaluate: reading dataset dir: %v", err)
	}

	var caseDirs []string
	for _, e := range entries {
		if e.IsDir() {
			caseDirs = append(caseDirs, e.Name())
		}
	}
	sort.Strings(caseDirs)
	if len(caseDirs) == 0 {
		return nil, fmt.Errorf("evaluate: no case directories in %s", dataDir)
	}

	result := &DatasetResult{}
	for _, name := range caseDirs {
		vol, err := h.Load(filepath.Join(dataDir, name))
		if err != nil {
			result.Cases = append(result.Cases, CaseResult{CaseID: name, Error: err.Error()})
			continue
		}
		result.Cases = append(result.Cases, h.EvaluateCase(name, vol, labels[name]))
	}

	result.finalize()
	return result, nil
}

// finalize computes the confusion matrix and summary rates from the
// per-case results
func (r *DatasetResult) finalize() {
	evaluated := 0
	preserved := 0
	var psnrSum, ssimSum float64
	psnrCount := 0

	for _, c := range r.Cases {
		if c.Error != "" {
			continue
		}
		evaluated++
		if c.LabelPreserved {
			preserved++
		}

		if c.GroundTruth == LabelAbnormal {
			if c.ReconstructedLabel == LabelAbnormal {
				r.TP++
			} else {
				r.FN++
			}
		} else {
			if c.ReconstructedLabel == LabelNormal {
				r.TN++
			} else {
				r.FP++
			}
		}

		if !math.IsInf(float64(c.PSNR), 1) {
			psnrSum += float64(c.PSNR)
			psnrCount++
		}
		ssimSum += c.SSIM
	}

	if evaluated == 0 {
		return
	}
	total := r.TP + r.TN + r.FP + r.FN
	r.Accuracy = pct(r.TP+r.TN, total)
	r.Precision = pct(r.TP, r.TP+r.FP)
	r.Recall = pct(r.TP, r.TP+r.FN)
	r.TrueNegativeRate = pct(r.TN, r.TN+r.FP)
	r.LabelPreservationRate = pct(preserved, evaluated)

	if psnrCount > 0 {
		r.MeanPSNR = models.Decibels(psnrSum / float64(psnrCount))
	} else {
		r.MeanPSNR = models.Decibels(math.Inf(1))
	}
	r.MeanSSIM = ssimSum / float64(evaluated)
}

func pct(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return 100 * float64(num) / float64(den)
}

// FormatReport renders a dataset result for the console
func FormatReport(r *DatasetResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n              Predicted\n")
	fmt.Fprintf(&b, "              Normal  Abnormal\n")
	fmt.Fprintf(&b, "Actual Normal   %4d    %4d        (%.1f%% TNR)\n", r.TN, r.FP, r.TrueNegativeRate)
	fmt.Fprintf(&b, "     Abnormal   %4d    %4d        (%.1f%% TPR)\n\n", r.FN, r.TP, r.Recall)
	fmt.Fprintf(&b, "Accuracy:  %.1f%%\n", r.Accuracy)
	fmt.Fprintf(&b, "Precision: %.1f%% (abnormal)\n", r.Precision)
	fmt.Fprintf(&b, "Recall:    %.1f%% (abnormal)\n\n", r.Recall)
	fmt.Fprintf(&b, "Label preservation: %.1f%% (codec round trip keeps the heuristic class)\n", r.LabelPreservationRate)
	if math.IsInf(float64(r.MeanPSNR), 1) {
		fmt.Fprintf(&b, "Quality: PSNR=inf, SSIM=%.3f\n\n", r.MeanSSIM)
	} else {
		fmt.Fprintf(&b, "Quality: PSNR=%.1fdB, SSIM=%.3f\n\n", r.MeanPSNR, r.MeanSSIM)
	}
	b.WriteString("Note: labels come from a density heuristic, not a diagnostic model.\n")
	return b.String()
}
