package admission

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the plan literal that removes the daily cap.
const Unlimited = "unlimited"

var planSuffixes = map[byte]float64{
	'k': 1e3,
	'm': 1e6,
	'b': 1e9,
}

// ParsePlan converts a plan string into a daily token limit. It returns nil
// for "unlimited". Values are case-folded and trimmed; a trailing k, m or b
// multiplies a decimal prefix by 1e3, 1e6 or 1e9. Anything unparsable or
// negative yields 0, which blocks the account.
func ParsePlan(plan string) *int64 {
	p := strings.ToLower(strings.TrimSpace(plan))
	if p == Unlimited {
		return nil
	}

	var zero int64
	if p == "" {
		return &zero
	}

	mult := 1.0
	if m, ok := planSuffixes[p[len(p)-1]]; ok {
		mult = m
		p = p[:len(p)-1]
	}

	n, err := strconv.ParseFloat(p, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return &zero
	}

	v := math.Round(n * mult)
	if v >= math.MaxInt64 {
		limit := int64(math.MaxInt64)
		return &limit
	}
	limit := int64(v)
	return &limit
}

// IsNewDay reports whether now falls on a later UTC calendar day than last.
// A nil timestamp means the account has no recorded usage and counts as a
// new day.
func IsNewDay(last *int64, now time.Time) bool {
	if last == nil {
		return true
	}
	lastDay := time.Unix(*last, 0).UTC().Truncate(24 * time.Hour)
	today := now.UTC().Truncate(24 * time.Hour)
	return today.After(lastDay)
}

// NextReset returns the next UTC midnight after now.
func NextReset(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
