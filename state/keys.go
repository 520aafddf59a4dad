package state

// MatchesKey is the stream of serialized matches awaiting delivery to
// readers.
func MatchesKey() string {
	return "matches"
}

// UnassignedTicketsKey is the stream of serialized tickets awaiting
// assignment to a matchmaker.
func UnassignedTicketsKey() string {
	return "tickets_unassigned"
}

// AssignedTicketsKey is the per-matchmaker stream the director writes
// assignments to and that matchmaker alone consumes.
func AssignedTicketsKey(matchmakerID string) string {
	return "tickets_" + matchmakerID
}

// ConsumedTicketsKey is the stream where matchmakers park used tickets for
// the director to delete or re-admit.
func ConsumedTicketsKey() string {
	return "consumed_tickets"
}

// MatchmakersKey is the set of active matchmaker ids.
func MatchmakersKey() string {
	return "matchmakers"
}

// SubmittedTicketsKey is the set of ticket global ids currently live in the
// system.
func SubmittedTicketsKey() string {
	return "tickets_submitted"
}

// DirectorActiveKey holds the director leader lease. Its TTL is the max
// downtime before the director is considered offline.
func DirectorActiveKey() string {
	return "director_is_active"
}

// MatchmakerStatusKey holds the serialized status of one matchmaker; the key
// is just the matchmaker id.
func MatchmakerStatusKey(matchmakerID string) string {
	return matchmakerID
}

// PoolMatchSizeKey holds the optional per-pool match size configuration.
func PoolMatchSizeKey(poolID string) string {
	return "pool_match_size_" + poolID
}
