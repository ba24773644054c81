// Package indicators computes technical indicators over candle slices.
//
// Every function reports ok=false when the input is shorter than the
// indicator's warmup instead of returning a value computed on too little data.
package indicators

import (
	"math"

	"fxpilot/internal/model"
)

// Closes extracts close prices.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA is the arithmetic mean of values.
func SMA(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// EMASeries returns the exponential moving average series seeded with the
// SMA of the first period values. The result has len(values)-period+1 points.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	e := SMA(values[:period])
	out = append(out, e)
	for _, v := range values[period:] {
		e = v*k + e*(1-k)
		out = append(out, e)
	}
	return out
}

// EMA returns the latest exponential moving average.
func EMA(values []float64, period int) (float64, bool) {
	s := EMASeries(values, period)
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// RSI is Wilder's relative strength index over closes.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func trueRange(c, prev model.Candle) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ATR is Wilder's average true range.
func ATR(candles []model.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(candles[i], candles[i-1])) / float64(period)
	}
	return atr, true
}

// ADXWarmup is the number of candles ADX needs.
func ADXWarmup(period int) int { return 2*period + 1 }

// ADX is Wilder's average directional index. It needs ADXWarmup(period)
// candles: period differences to seed the smoothed ranges and period DX
// values to seed the average.
func ADX(candles []model.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < ADXWarmup(period) {
		return 0, false
	}
	var smTR, smPlus, smMinus float64
	var dxSum, adx float64
	dxCount := 0
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		up := cur.High - prev.High
		down := prev.Low - cur.Low
		plusDM, minusDM := 0.0, 0.0
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := trueRange(cur, prev)

		if i <= period {
			smTR += tr
			smPlus += plusDM
			smMinus += minusDM
			if i < period {
				continue
			}
		} else {
			smTR = smTR - smTR/float64(period) + tr
			smPlus = smPlus - smPlus/float64(period) + plusDM
			smMinus = smMinus - smMinus/float64(period) + minusDM
		}

		dx := 0.0
		if smTR > 0 {
			plusDI := 100 * smPlus / smTR
			minusDI := 100 * smMinus / smTR
			if sum := plusDI + minusDI; sum > 0 {
				dx = 100 * math.Abs(plusDI-minusDI) / sum
			}
		}

		if dxCount < period {
			dxSum += dx
			dxCount++
			if dxCount == period {
				adx = dxSum / float64(period)
			}
			continue
		}
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	if dxCount < period {
		return 0, false
	}
	return adx, true
}

// Donchian returns the highest high and lowest low of the period candles
// preceding the last one, so the last candle can be tested for a breakout.
func Donchian(candles []model.Candle, period int) (hi, lo float64, ok bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, 0, false
	}
	window := candles[len(candles)-1-period : len(candles)-1]
	hi, lo = window[0].High, window[0].Low
	for _, c := range window[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo, true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
