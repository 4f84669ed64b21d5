package social

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinner_HighestCount(t *testing.T) {
	w, ok := Winner(Tally([]Vote{
		{VoterID: "v1", Candidate: "a"},
		{VoterID: "v2", Candidate: "a"},
		{VoterID: "v3", Candidate: "b"},
	}))
	require.True(t, ok)
	assert.Equal(t, "a", w.Candidate)
	assert.Equal(t, 2, w.Votes)
}

func TestWinner_TieGoesToLowestCandidate(t *testing.T) {
	counts := []CandidateCount{{Candidate: "zed", Votes: 3}, {Candidate: "amy", Votes: 3}, {Candidate: "bob", Votes: 1}}
	for i := 0; i < 5; i++ {
		w, ok := Winner(counts)
		require.True(t, ok)
		assert.Equal(t, "amy", w.Candidate)
	}
	reversed := []CandidateCount{counts[2], counts[1], counts[0]}
	w, _ := Winner(reversed)
	assert.Equal(t, "amy", w.Candidate)
}

func TestWinner_NoVotes(t *testing.T) {
	_, ok := Winner(nil)
	assert.False(t, ok)
	_, ok = Winner([]CandidateCount{{Candidate: "a", Votes: 0}})
	assert.False(t, ok)
}

func TestNextCycle(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	got := NextCycle([]string{"x", "y"}, monday.Add(3*time.Millisecond), 0)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, monday, e.WeekStart)
		assert.Equal(t, monday.Add(7*24*time.Hour), e.WeekEnd)
		assert.False(t, e.IsClosed)
	}
	assert.Equal(t, "x", got[0].CountryID)
}

func TestElectionDue(t *testing.T) {
	end := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	e := Election{WeekEnd: end}
	assert.True(t, e.Due(end))
	assert.False(t, e.Due(end.Add(-time.Second)))
	e.IsClosed = true
	assert.False(t, e.Due(end.Add(time.Hour)))
}
