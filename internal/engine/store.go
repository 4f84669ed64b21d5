package engine

import (
	"context"
	"time"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

// Store is the shared document store as seen by the scheduler. Every write
// that must be all-or-nothing is a single method so backends can wrap it in
// a transaction.
type Store interface {
	Countries(ctx context.Context) ([]world.Country, error)

	// InsertElections inserts every election it can. A (country, week start)
	// that already exists is reported in Duplicates and does not stop the rest.
	InsertElections(ctx context.Context, elections []social.Election) (social.ElectionBatch, error)
	// DueElections lists open elections with WeekEnd <= now, oldest first.
	DueElections(ctx context.Context, now time.Time) ([]social.Election, error)
	VoteCounts(ctx context.Context, electionID string) ([]social.CandidateCount, error)
	// CloseElection marks the election closed, demotes every president of
	// its country and promotes winnerID, atomically. Returns
	// social.ErrElectionClosed if someone closed it first and
	// world.ErrNotFound if the winner does not exist.
	CloseElection(ctx context.Context, election social.Election, winnerID string) error

	// DueEvents lists unresolved events with ArrivesAt <= now, in arrival order.
	DueEvents(ctx context.Context, now time.Time) ([]world.Event, error)
	UnitType(ctx context.Context, id string) (world.UnitType, error)
	BuildingType(ctx context.Context, id string) (world.BuildingType, error)
	Country(ctx context.Context, id string) (world.Country, error)
	// ResolveEvent marks the event resolved at now and applies eff to the
	// target country, atomically. Attacks and nukes need the target's ledger
	// row even when eff is zero. Returns world.ErrEventResolved if it was
	// already resolved and world.ErrNotFound if the target's ledger or
	// country is missing; in both cases nothing is written.
	ResolveEvent(ctx context.Context, ev world.Event, target string, eff economy.Effect, now time.Time) (economy.Resource, error)

	// AcquireLease claims (task, key) for holder. It returns true if holder
	// now owns the key, including when it already did.
	AcquireLease(ctx context.Context, task, key, holder string, at time.Time) (bool, error)
	SaveWakeReport(ctx context.Context, report WakeReport) error
}
