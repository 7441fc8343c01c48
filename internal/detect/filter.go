package detect

import (
	"math"
	"slices"
)

// MedianFilter applies a sliding median of the given odd window size. Edges
// are padded by reflection (d c b a | a b c d), so a window of 3 leaves the
// first and last samples unchanged. Even or non-positive windows return a copy.
func MedianFilter(values []float64, window int) []float64 {
	out := slices.Clone(values)
	if window < 3 || window%2 == 0 || len(values) == 0 {
		return out
	}

	half := window / 2
	buf := make([]float64, window)
	for i := range values {
		for k := -half; k <= half; k++ {
			buf[k+half] = values[reflect(i+k, len(values))]
		}
		slices.Sort(buf)
		out[i] = buf[half]
	}
	return out
}

func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// Median returns the median of values, averaging the middle pair for even
// lengths. It returns NaN for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// PeakAmplitude is the calibration reducer: the maximum of all samples.
// It returns the index of that sample, or -1 for an empty slice.
func PeakAmplitude(values []float64) (float64, int) {
	if len(values) == 0 {
		return math.NaN(), -1
	}

	idx := 0
	for i, v := range values {
		if v > values[idx] {
			idx = i
		}
	}
	return values[idx], idx
}

// AboveMedianPeak is the detection reducer: the maximum of the samples lying
// strictly above the median, which keeps the noise floor out of the working
// amplitude. When no sample is above the median (a flat spectrum) it falls
// back to the overall maximum.
func AboveMedianPeak(values []float64) (float64, int) {
	if len(values) == 0 {
		return math.NaN(), -1
	}

	median := Median(values)

	idx := -1
	for i, v := range values {
		if v > median && (idx < 0 || v > values[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return PeakAmplitude(values)
	}
	return values[idx], idx
}

// EMA advances an exponential moving average. A nil previous value starts
// the average at value.
func EMA(prev *float64, value, alpha float64) float64 {
	if prev == nil {
		return value
	}
	return alpha*value + (1-alpha)*(*prev)
}

// FindPeaks returns the indices of local maxima strictly above height. A flat
// top counts once, at its middle (left-biased for even widths), and only if
// both of its neighbours are lower. The first and last samples are never peaks.
func FindPeaks(values []float64, height float64) []int {
	var peaks []int

	i := 1
	for i < len(values)-1 {
		if values[i-1] >= values[i] {
			i++
			continue
		}

		// rising edge at i: walk the plateau
		j := i
		for j+1 < len(values) && values[j+1] == values[i] {
			j++
		}
		if j+1 < len(values) && values[j+1] < values[i] && values[i] > height {
			peaks = append(peaks, (i+j)/2)
		}
		i = j + 1
	}
	return peaks
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
