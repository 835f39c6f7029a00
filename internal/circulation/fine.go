// internal/circulation/fine.go
package circulation

import (
	"math"
	"time"
)

// daysLate counts started 24-hour periods past the due date. Zero when
// returned on time.
func daysLate(dueAt, returnedAt time.Time) int {
	if !returnedAt.After(dueAt) {
		return 0
	}
	return int(math.Ceil(returnedAt.Sub(dueAt).Hours() / 24))
}

// fineAmount is daysLate times the daily rate, rounded to cents.
func fineAmount(days int, ratePerDay float64) float64 {
	return math.Round(float64(days)*ratePerDay*100) / 100
}
