package formulas

import "github.com/markcheno/go-talib"

// Smoothed returns the last value of an SMA over the series, or the raw last
// value when the series is shorter than the window. Used to de-noise
// indicator readings before threshold classification.
func Smoothed(series []float64, window int) float64 {
	if len(series) == 0 {
		return 0
	}
	if window <= 1 || len(series) < window {
		return series[len(series)-1]
	}
	sma := talib.Sma(series, window)
	return sma[len(sma)-1]
}
