package engine

import (
	"sort"
	"time"
)

// Policy mirrors the server's round timing and streak rules. The server's
// time_limit always wins; these values only fill in when a payload omits it.
type Policy struct {
	ChoiceBase      time.Duration
	ChoiceStep      time.Duration
	ChoiceFloor     time.Duration
	VoteLimit       time.Duration
	StreakThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		ChoiceBase:      50 * time.Second,
		ChoiceStep:      5 * time.Second,
		ChoiceFloor:     20 * time.Second,
		VoteLimit:       30 * time.Second,
		StreakThreshold: 3,
	}
}

// ChoiceLimit is the reading/choice time for a 1-based round number.
func (p Policy) ChoiceLimit(round int) time.Duration {
	if round < 1 {
		round = 1
	}
	d := p.ChoiceBase - time.Duration(round-1)*p.ChoiceStep
	return max(d, p.ChoiceFloor)
}

// Tally counts the votes of a round. The choice with most votes wins; ties go
// to the earliest submission, then the lowest player id.
func Tally(r *Round) RoundResult {
	tally := make(map[int]int)
	for _, v := range r.Votes {
		if len(r.Choices) > 0 {
			if _, ok := r.Choices[v.VotedFor]; !ok {
				continue
			}
		}
		tally[v.VotedFor]++
	}

	candidates := make([]int, 0, len(tally))
	for id := range tally {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if tally[a] != tally[b] {
			return tally[a] > tally[b]
		}
		ca, cb := r.Choices[a], r.Choices[b]
		if !ca.SubmittedAt.Equal(cb.SubmittedAt) {
			return ca.SubmittedAt.Before(cb.SubmittedAt)
		}
		return a < b
	})

	res := RoundResult{Tally: tally, Provisional: true}
	if len(candidates) > 0 {
		res.WinnerID = candidates[0]
		res.WinningCard = r.Choices[res.WinnerID].CardID
	}
	return res
}
