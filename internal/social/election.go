// Package social provides players, roles, weekly presidential elections, and
// vote tallying.
package social

import (
	"errors"
	"sort"
	"time"
)

// ErrElectionClosed is returned when closing an election that is already closed.
var ErrElectionClosed = errors.New("election already closed")

// ErrDuplicateVote is returned when a voter casts a second vote in one election.
var ErrDuplicateVote = errors.New("voter already voted in this election")

// DefaultElectionLength is one voting week.
const DefaultElectionLength = 7 * 24 * time.Hour

// Election is one country's presidential vote for one week. At most one
// election exists per (country, week start).
type Election struct {
	ID        string    `json:"id" bson:"_id"`
	CountryID string    `json:"country_id" bson:"country"`
	WeekStart time.Time `json:"week_start" bson:"weekStart"`
	WeekEnd   time.Time `json:"week_end" bson:"weekEnd"`
	IsClosed  bool      `json:"is_closed" bson:"isClosed"`
}

// Due reports whether the election has ended and still needs closing.
func (e Election) Due(now time.Time) bool {
	return !e.IsClosed && !e.WeekEnd.After(now)
}

// Vote is one voter's ballot. At most one vote exists per (election, voter).
type Vote struct {
	ID         string `json:"id" bson:"_id"`
	ElectionID string `json:"election_id" bson:"election"`
	VoterID    string `json:"voter_id" bson:"voter"`
	Candidate  string `json:"candidate" bson:"candidate"`
}

// ElectionBatch reports the outcome of an unordered election insert.
type ElectionBatch struct {
	Inserted   int      `json:"inserted"`
	Duplicates []string `json:"duplicates,omitempty"` // country IDs that already had an election that week
}

// CycleStart returns the UTC midnight of now's day. Scheduled wakes happen at
// 00:00 UTC so this equals now; truncation absorbs trigger jitter.
func CycleStart(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// NextCycle builds one open election per country for the week starting at
// now's cycle start.
func NextCycle(countryIDs []string, now time.Time, length time.Duration) []Election {
	if length <= 0 {
		length = DefaultElectionLength
	}
	start := CycleStart(now)
	out := make([]Election, 0, len(countryIDs))
	for _, id := range countryIDs {
		out = append(out, Election{
			CountryID: id,
			WeekStart: start,
			WeekEnd:   start.Add(length),
		})
	}
	return out
}

// CandidateCount is the number of votes one candidate received.
type CandidateCount struct {
	Candidate string `json:"candidate" db:"candidate_id" bson:"_id"`
	Votes     int    `json:"votes" db:"votes" bson:"count"`
}

// Winner picks the candidate with the most votes. Ties go to the lowest
// candidate ID so repeated tallies of the same ballots agree. ok is false
// when nobody voted.
func Winner(counts []CandidateCount) (winner CandidateCount, ok bool) {
	ranked := make([]CandidateCount, 0, len(counts))
	for _, c := range counts {
		if c.Votes > 0 && c.Candidate != "" {
			ranked = append(ranked, c)
		}
	}
	if len(ranked) == 0 {
		return CandidateCount{}, false
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Votes != ranked[j].Votes {
			return ranked[i].Votes > ranked[j].Votes
		}
		return ranked[i].Candidate < ranked[j].Candidate
	})
	return ranked[0], true
}

// Tally groups ballots by candidate, sorted the same way Winner ranks them.
func Tally(votes []Vote) []CandidateCount {
	byCandidate := make(map[string]int)
	for _, v := range votes {
		byCandidate[v.Candidate]++
	}
	out := make([]CandidateCount, 0, len(byCandidate))
	for c, n := range byCandidate {
		out = append(out, CandidateCount{Candidate: c, Votes: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Votes != out[j].Votes {
			return out[i].Votes > out[j].Votes
		}
		return out[i].Candidate < out[j].Candidate
	})
	return out
}
