package calibrate

import "errors"

var (
	// ErrCalibrationUnavailable indicates there is no open transport to query
	ErrCalibrationUnavailable = errors.New("calibration unavailable: no connection to the analyzer")

	// ErrNoSamples indicates none of the queries for a range returned a spectrum
	ErrNoSamples = errors.New("no samples collected")
)
