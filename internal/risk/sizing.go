package risk

import "math"

// Size returns the whole number of units whose loss at the stop equals
// riskAmount: units * stopDistance * quoteToAccount ≈ riskAmount, floored so
// the realised risk never exceeds the budget.
func Size(riskAmount, stopDistance, quoteToAccount float64) float64 {
	if riskAmount <= 0 || stopDistance <= 0 || quoteToAccount <= 0 {
		return 0
	}
	return math.Floor(riskAmount / (stopDistance * quoteToAccount))
}

// PlannedRisk is the account-currency loss if the stop is hit.
func PlannedRisk(units, stopDistance, quoteToAccount float64) float64 {
	return units * stopDistance * quoteToAccount
}

// RR is the reward-to-risk ratio of a set of levels.
func RR(entry, stop, target float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(target-entry) / risk
}
