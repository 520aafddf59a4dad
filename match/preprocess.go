package match

import (
	"time"

	"github.com/crymatch/crymatch/ticket"
)

// preprocess fills every view's base priority and returns the span between
// the highest and lowest base priority. Age is normalized against the
// spread of matchmaker-local expiry times: the ticket closest to expiring
// gets the full age priority factor. Tickets with no expiry contribute no
// age priority.
func preprocess(views []*ticket.View) (prioritySpan float64) {
	var minExpire, maxExpire time.Time
	for _, v := range views {
		expiry := v.Source.TimestampExpiryMatchmaker
		if expiry.IsZero() {
			continue
		}
		if minExpire.IsZero() || expiry.Before(minExpire) {
			minExpire = expiry
		}
		if maxExpire.IsZero() || expiry.After(maxExpire) {
			maxExpire = expiry
		}
	}
	expireRange := float64(0)
	if !minExpire.IsZero() {
		expireRange = maxExpire.Sub(minExpire).Seconds()
	}

	minPriority, maxPriority := 0.0, 0.0
	for i, v := range views {
		ageNormalized := 0.0
		expiry := v.Source.TimestampExpiryMatchmaker
		if !expiry.IsZero() && expireRange > 0 {
			ageNormalized = 1 - expiry.Sub(minExpire).Seconds()/expireRange
		}
		v.BasePriority = float64(v.Source.PriorityBase) + ageNormalized*float64(v.Source.AgePriorityFactor)
		if i == 0 || v.BasePriority < minPriority {
			minPriority = v.BasePriority
		}
		if i == 0 || v.BasePriority > maxPriority {
			maxPriority = v.BasePriority
		}
	}
	return maxPriority - minPriority
}
