// Package match implements the per-pool matching algorithm: priority
// preprocessing, pairwise candidate scoring into fixed-capacity slot
// arrays, greedy match assembly, and the reliable fallback that re-matches
// victims of candidate theft with unbounded candidate lists.
package match

import (
	"runtime"

	"github.com/crymatch/crymatch/plugin"
	"github.com/crymatch/crymatch/ticket"
)

const (
	// MinForParallel is the input size at which candidate search is
	// partitioned across workers.
	MinForParallel = 1000
	// MaxForReliable caps how many theft victims a round will buffer for
	// the reliable fallback.
	MaxForReliable = 4000
	// usageIgnoreFactor scales the candidate slot size into the usage
	// threshold beyond which an over-requested ticket is skipped in
	// unreliable mode.
	usageIgnoreFactor = 3
)

// Options configures one matching round.
type Options struct {
	// MatchSize is the number of tickets per match, at least 2.
	MatchSize int
	// Plugin optionally overrides match assembly; may be nil.
	Plugin plugin.Plugin
	// UnreliableOnly disables the reliable fallback pass.
	UnreliableOnly bool
	// Workers bounds the parallel candidate search. Zero means one worker
	// per CPU.
	Workers int
}

// Result is the outcome of one matching round.
type Result struct {
	Matches []ticket.Match
	// MatchedAllItCould is false when theft victims were dropped on the
	// floor, meaning an immediate re-run over the residue could still make
	// progress. Workers use it to skip the gather phase next round.
	MatchedAllItCould bool
}

// Run executes one matching round over views. Views arrive freshly
// converted: empty slots, unset base priorities. The set of tickets left
// with Consumed == false afterward is the round's residue.
func Run(views []*ticket.View, opts Options) Result {
	if opts.MatchSize < 2 || len(views) < opts.MatchSize {
		return Result{MatchedAllItCould: true}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	span := preprocess(views)
	findCandidates(views, span, !opts.UnreliableOnly, opts.Workers)

	victimCap := len(views)
	if victimCap > MaxForReliable {
		victimCap = MaxForReliable
	}
	victims := make([]*ticket.View, 0, victimCap)
	overflow := 0
	matches := assemble(views, opts.MatchSize, opts.Plugin, &victims, &overflow)

	if !opts.UnreliableOnly && len(victims)+overflow >= opts.MatchSize {
		matches = append(matches, runReliable(views, victims, opts)...)
	}

	return Result{
		Matches:           matches,
		MatchedAllItCould: overflow == 0,
	}
}

// runReliable re-matches the buffered theft victims with unbounded
// candidate lists and no usage pruning. Reliable assembly cannot itself
// produce victims, so it never recurses.
func runReliable(views []*ticket.View, victims []*ticket.View, opts Options) []ticket.Match {
	// A victim may have been absorbed into a later match of the same
	// round; only genuinely unmatched victims are retried.
	remaining := victims[:0]
	for _, v := range victims {
		if !v.Consumed {
			remaining = append(remaining, v)
		}
	}
	if len(remaining) < opts.MatchSize {
		return nil
	}

	maxStateSize := 0
	if len(views) > 0 {
		maxStateSize = len(views[0].State)
	}
	fresh := make([]*ticket.View, len(remaining))
	bySource := make(map[*ticket.Ticket]*ticket.View, len(remaining))
	for i, v := range remaining {
		fresh[i] = ticket.NewView(v.Source, maxStateSize, len(remaining)-1)
		bySource[v.Source] = v
	}

	span := preprocess(fresh)
	findCandidates(fresh, span, false, opts.Workers)
	matches := assemble(fresh, opts.MatchSize, opts.Plugin, nil, nil)

	// Reflect consumption back onto the round's original views so residue
	// accounting sees the reliable matches.
	for _, f := range fresh {
		if f.Consumed {
			bySource[f.Source].Consumed = true
		}
	}
	return matches
}
