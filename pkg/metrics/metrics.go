// Package metrics computes reconstruction fidelity and cost metrics for
// compressed CT volumes: PSNR over the body region, a global structural
// similarity index, and LLM token estimates.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"ctpack/internal/models"
)

// Defaults for verification. DataRange covers the usual diagnostic HU
// span; the thresholds mark the point below which a reconstruction is
// not trusted for machine consumption.
const (
	DefaultBodyThreshold = -900
	DefaultDataRange     = 4095.0
	DefaultMinPSNR       = 35.0
	DefaultMinSSIM       = 0.90
)

// TokensPerByte is the conservative LLM token estimate: tokens are
// approximated as bytes/4, which absorbs base64 and tokenizer overhead.
const TokensPerByte = 0.25

// DefaultCostPer1MTokens is the assumed input-token price in USD
const DefaultCostPer1MTokens = 0.03

// Verifier computes quality metrics between an original and a
// reconstructed volume and checks them against thresholds
type Verifier struct {
	// BodyThreshold is the HU cutoff for the body mask. The mask is
	// always taken against the ORIGINAL volume so that it is identical
	// across repeated verifications of the same scan.
	BodyThreshold int16

	// DataRange is the dynamic range used by PSNR and SSIM
	DataRange float64

	// MinPSNR and MinSSIM are the pass/fail thresholds
	MinPSNR float64
	MinSSIM float64
}

// NewVerifier returns a verifier with the default thresholds
func NewVerifier() *Verifier {
	return &Verifier{
		BodyThreshold: DefaultBodyThreshold,
		DataRange:     DefaultDataRange,
		MinPSNR:       DefaultMinPSNR,
		MinSSIM:       DefaultMinSSIM,
	}
}

// PSNR computes the peak signal-to-noise ratio in dB over the body
// region of the original volume. A volume with no body voxel falls back
// to the full extent. Returns +Inf for a bit-exact reconstruction.
func (v *Verifier) PSNR(original, reconstructed *models.Volume) float64 {
	var sum float64
	var n int

	for i, o := range original.Data {
		if o > v.BodyThreshold {
			d := float64(o) - float64(reconstructed.Data[i])
			sum += d * d
			n++
		}
	}
	if n == 0 {
		// No body detected: compare the whole volume instead
		for i, o := range original.Data {
			d := float64(o) - float64(reconstructed.Data[i])
			sum += d * d
		}
		n = len(original.Data)
	}
	if n == 0 {
		return math.Inf(1)
	}

	mse := sum / float64(n)
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(v.DataRange*v.DataRange/mse)
}

// SSIM computes a global structural similarity index over the two
// volumes using a single window spanning all voxels. This is the
// normalized variant: means, variances and covariance are taken once
// over the raw HU data rather than per local window. The result is
// clamped to [0, 1]; identical volumes score exactly 1.
func (v *Verifier) SSIM(original, reconstructed *models.Volume) float64 {
	n := len(original.Data)
	if n != len(reconstructed.Data) || n == 0 {
		return 0
	}

	x := make([]float64, n)
	y := make([]float64, n)
	for i := range original.Data {
		x[i] = float64(original.Data[i])
		y[i] = float64(reconstructed.Data[i])
	}

	c1 := (0.01 * v.DataRange) * (0.01 * v.DataRange)
	c2 := (0.03 * v.DataRange) * (0.03 * v.DataRange)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den <= 0 {
		return 0
	}

	ssim := num / den
	if ssim < 0 {
		return 0
	}
	if ssim > 1 {
		return 1
	}
	return ssim
}

// Verify computes the full quality report. A failing reconstruction is
// a result, not an error: Passed is false and the metric values say by
// how much. The only error case is a shape mismatch, which means the
// two volumes cannot be compared at all.
func (v *Verifier) Verify(original, reconstructed *models.Volume) (models.QualityReport, error) {
	var report models.QualityReport

	if original.Width != reconstructed.Width ||
		original.Height != reconstructed.Height ||
		original.Depth != reconstructed.Depth {
		return report, fmt.Errorf("metrics: volume shapes differ: %dx%dx%d vs %dx%dx%d",
			original.Width, original.Height, original.Depth,
			reconstructed.Width, reconstructed.Height, reconstructed.Depth)
	}

	psnr := v.PSNR(original, reconstructed)
	report.PSNR = models.Decibels(psnr)
	report.SSIM = v.SSIM(original, reconstructed)

	var sumAbs, maxAbs float64
	for i, o := range original.Data {
		d := math.Abs(float64(o) - float64(reconstructed.Data[i]))
		sumAbs += d
		if d > maxAbs {
			maxAbs = d
		}
	}
	if len(original.Data) > 0 {
		report.MeanAbsError = sumAbs / float64(len(original.Data))
	}
	report.MaxAbsError = maxAbs

	report.Passed = psnr >= v.MinPSNR && report.SSIM >= v.MinSSIM
	return report, nil
}

// EstimateTokens approximates the LLM token footprint of a byte count
func EstimateTokens(byteCount int64) int64 {
	return byteCount / 4
}

// CostSavings estimates the token and cost impact of shrinking a
// payload from originalBytes to compressedBytes
func CostSavings(originalBytes, compressedBytes int64) models.TokenEstimate {
	est := models.TokenEstimate{
		OriginalTokens:   EstimateTokens(originalBytes),
		CompressedTokens: EstimateTokens(compressedBytes),
	}
	if est.OriginalTokens > 0 {
		est.SavingsPercent = (1 - float64(est.CompressedTokens)/float64(est.OriginalTokens)) * 100
	}
	est.OriginalCostUSD = float64(est.OriginalTokens) * DefaultCostPer1MTokens / 1e6
	est.CompressedCostUSD = float64(est.CompressedTokens) * DefaultCostPer1MTokens / 1e6
	est.SavingsPerQueryUSD = est.OriginalCostUSD - est.CompressedCostUSD
	return est
}
