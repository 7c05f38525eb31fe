package domain

import "sort"

// GUT factors are scored on a closed 1..5 scale.
const (
	MinFactor = 1
	MaxFactor = 5
)

// Band thresholds. A score at or above a threshold belongs to that band.
const (
	criticalThreshold = 75
	highThreshold     = 27
	mediumThreshold   = 8
)

// Band is the severity label derived from a GUT score.
type Band string

const (
	BandCritical Band = "Critical"
	BandHigh     Band = "High"
	BandMedium   Band = "Medium"
	BandLow      Band = "Low"
)

// Color returns the display colour associated with the band.
func (b Band) Color() string {
	switch b {
	case BandCritical:
		return "red"
	case BandHigh:
		return "orange"
	case BandMedium:
		return "yellow"
	default:
		return "green"
	}
}

// ValidFactor reports whether v is an acceptable gravity, urgency or tendency.
func ValidFactor(v int) bool {
	return v >= MinFactor && v <= MaxFactor
}

// Score multiplies the three factors. Inputs are not clamped; callers validate
// them with ValidFactor first.
func Score(gravity, urgency, tendency int) int {
	return gravity * urgency * tendency
}

// Classify maps a score to its band.
func Classify(score int) Band {
	switch {
	case score >= criticalThreshold:
		return BandCritical
	case score >= highThreshold:
		return BandHigh
	case score >= mediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// SortIssuesByScore orders issues by descending score. Equal scores keep their
// relative input order.
func SortIssuesByScore(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Score() > issues[j].Score()
	})
}
