// Package schedule computes when a tune is next due for review.
//
// The algorithm is an SM-2 variant. ComputeNextReview is a pure function:
// the sync engine persists its output as ordinary payload fields and has
// no knowledge of the formula.
package schedule

import (
	"time"

	"github.com/cadenzadev/cadenza/internal/types"
)

const (
	minEasiness     = 1.3
	initialEasiness = 2.5

	// QualityMin and QualityMax bound the recall rating a review accepts.
	QualityMin = 0
	QualityMax = 5
)

// NewState returns the review state for a tune that has never been reviewed.
func NewState() types.ReviewState {
	return types.ReviewState{Easiness: initialEasiness}
}

// ComputeNextReview advances the review state for one practice session.
// quality below 3 counts as a lapse and restarts the repetition ladder.
func ComputeNextReview(prev types.ReviewState, quality int, now time.Time) (time.Time, types.ReviewState) {
	if quality < QualityMin {
		quality = QualityMin
	}
	if quality > QualityMax {
		quality = QualityMax
	}

	next := prev
	if next.Easiness == 0 {
		next.Easiness = initialEasiness
	}

	if quality < 3 {
		next.Repetitions = 0
		next.Interval = 1
		next.Lapses++
	} else {
		switch next.Repetitions {
		case 0:
			next.Interval = 1
		case 1:
			next.Interval = 6
		default:
			next.Interval = int(float64(next.Interval)*next.Easiness + 0.5)
		}
		next.Repetitions++
	}

	q := float64(quality)
	next.Easiness += 0.1 - (5-q)*(0.08+(5-q)*0.02)
	if next.Easiness < minEasiness {
		next.Easiness = minEasiness
	}

	due := now.AddDate(0, 0, next.Interval)
	return due, next
}
