// Package ticket holds the matchmaking data model: the wire-level Ticket and
// Match records that move through state streams, the matchmaker status text
// format, and the matching-optimized View built from a Ticket at match time.
package ticket

import (
	"time"
)

// Requirement is one individual requirement against another ticket's state
// vector. Key indexes the state vector; Ranged requirements carry [lo, hi]
// in Values, discreet ones carry the accepted values.
type Requirement struct {
	Key    int32     `json:"key"`
	Ranged bool      `json:"ranged"`
	Values []float32 `json:"values"`
}

// RequirementGroup is an any-of over individual requirements. A ticket is
// compatible only when every one of its groups is satisfied.
type RequirementGroup struct {
	Any []Requirement `json:"any"`
}

// Affinity is one soft or hard preference, compared pairwise by position
// against the other ticket's affinity at the same index.
type Affinity struct {
	Value           float32 `json:"value"`
	MaxMargin       float32 `json:"max_margin"`
	PreferDisimilar bool    `json:"prefer_disimilar"`
	SoftMargin      bool    `json:"soft_margin"`
	PriorityFactor  float32 `json:"priority_factor"`
}

// Ticket is the client-supplied matchmaking request, decorated by the
// director on submit and assignment.
//
// StateID is not part of the serialized payload in a meaningful way: it is
// re-stamped from the stream message id each time the ticket is read back,
// since it changes on every move between streams.
type Ticket struct {
	StateID                   string             `json:"state_id,omitempty"`
	GlobalID                  string             `json:"global_id"`
	Timestamp                 time.Time          `json:"timestamp"`
	MaxAgeSeconds             float64            `json:"max_age_seconds"`
	MatchmakingPoolID         string             `json:"matchmaking_pool_id,omitempty"`
	State                     [][]float32        `json:"state"`
	Requirements              []RequirementGroup `json:"requirements"`
	Affinities                []Affinity         `json:"affinities"`
	PriorityBase              int32              `json:"priority_base"`
	AgePriorityFactor         float32            `json:"age_priority_factor"`
	TimestampExpiryMatchmaker time.Time          `json:"timestamp_expiry_matchmaker"`
	MatchingFailureCount      int32              `json:"matching_failure_count"`

	// ConsumedForMatch rides along on the consumed stream only: true when
	// the matchmaker used the ticket in a match, false when it was
	// consumed after expiring or exhausting its match failures.
	ConsumedForMatch bool `json:"consumed_for_match,omitempty"`
}

// NeverExpires reports whether the ticket was submitted with no age limit.
func (t *Ticket) NeverExpires() bool {
	return t.MaxAgeSeconds <= 0
}

// ExpiredAt reports whether the ticket's matchmaker-local expiry has passed
// at the given time, with the given tolerance.
func (t *Ticket) ExpiredAt(now time.Time, tolerance time.Duration) bool {
	if t.NeverExpires() || t.TimestampExpiryMatchmaker.IsZero() {
		return false
	}
	return now.After(t.TimestampExpiryMatchmaker.Add(tolerance))
}

// Match is a completed group of tickets. The first entry of
// MatchedTicketGlobalIDs is the ticket the match was assembled around.
type Match struct {
	StateID                string   `json:"state_id,omitempty"`
	GlobalID               string   `json:"global_id"`
	MatchedTicketGlobalIDs []string `json:"matched_ticket_global_ids"`
}
