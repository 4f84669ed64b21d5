// Election rollover: open next week's elections, close last week's and
// hand the presidency to the winner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/nationsim/internal/social"
)

// prepareElections opens one election per country for the week starting now.
// Countries that already have one for this week are reported and skipped.
func (s *Scheduler) prepareElections(ctx context.Context, now time.Time, rep *WakeReport, log *slog.Logger) {
	countries, err := s.Store.Countries(ctx)
	if err != nil {
		log.Error("election prepare: list countries failed", "error", err)
		rep.fail(fmt.Errorf("list countries: %w", err))
		return
	}

	ids := make([]string, 0, len(countries))
	for _, c := range countries {
		ids = append(ids, c.ID)
	}
	batch := social.NextCycle(ids, now, s.ElectionLength)
	if len(batch) == 0 {
		log.Info("election prepare: no countries")
		return
	}

	res, err := s.Store.InsertElections(ctx, batch)
	rep.ElectionsCreated += res.Inserted
	rep.ElectionsDuplicate += len(res.Duplicates)
	for _, countryID := range res.Duplicates {
		log.Info("election already open for this week", "country", countryID, "week_start", batch[0].WeekStart)
	}
	if err != nil {
		log.Error("election prepare: insert failed", "inserted", res.Inserted, "error", err)
		rep.fail(fmt.Errorf("insert elections: %w", err))
	}

	rep.emit(Record{
		Description: fmt.Sprintf("%d elections opened for the week of %s", res.Inserted, batch[0].WeekStart.Format("2006-01-02")),
		Category:    "election",
		Meta: map[string]any{
			"inserted":   res.Inserted,
			"duplicates": len(res.Duplicates),
		},
	})
	log.Info("elections created for next week", "inserted", res.Inserted, "duplicates", len(res.Duplicates))
}

// closeElections tallies every due election and promotes its winner. Each
// election is independent: one failure never blocks the others, and an
// election without votes stays open for the next wake.
func (s *Scheduler) closeElections(ctx context.Context, now time.Time, rep *WakeReport, log *slog.Logger) {
	due, err := s.Store.DueElections(ctx, now)
	if err != nil {
		log.Error("election close: list due elections failed", "error", err)
		rep.fail(fmt.Errorf("list due elections: %w", err))
		return
	}

	for i, elect := range due {
		if err := ctx.Err(); err != nil {
			log.Warn("election close interrupted", "remaining", len(due)-i, "error", err)
			rep.fail(err)
			return
		}
		s.closeElection(ctx, elect, rep, log)
	}
}

func (s *Scheduler) closeElection(ctx context.Context, elect social.Election, rep *WakeReport, log *slog.Logger) {
	log = log.With("election", elect.ID, "country", elect.CountryID)

	counts, err := s.Store.VoteCounts(ctx, elect.ID)
	if err != nil {
		rep.ElectionsFailed++
		log.Error("tally failed, election left open", "error", err)
		rep.fail(fmt.Errorf("tally election %s: %w", elect.ID, err))
		return
	}

	winner, ok := social.Winner(counts)
	if !ok {
		// No quorum: leave it open, the next wake tries again.
		rep.ElectionsNoQuorum++
		log.Info("no votes cast, election left open")
		return
	}

	err = s.Store.CloseElection(ctx, elect, winner.Candidate)
	switch {
	case errors.Is(err, social.ErrElectionClosed):
		log.Info("election already closed elsewhere")
		return
	case err != nil:
		rep.ElectionsFailed++
		log.Error("closing election failed, rolled back", "winner", winner.Candidate, "error", err)
		rep.fail(fmt.Errorf("close election %s: %w", elect.ID, err))
		return
	}

	rep.ElectionsClosed++
	rep.emit(Record{
		Description: fmt.Sprintf("%s elected president of %s with %d votes", winner.Candidate, elect.CountryID, winner.Votes),
		Category:    "election",
		Meta: map[string]any{
			"election_id": elect.ID,
			"country_id":  elect.CountryID,
			"winner_id":   winner.Candidate,
			"votes":       winner.Votes,
			"candidates":  len(counts),
		},
	})
	log.Info("election closed", "winner", winner.Candidate, "votes", winner.Votes, "candidates", len(counts))
}
