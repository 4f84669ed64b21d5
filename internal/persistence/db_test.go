package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCountry(t *testing.T, db *DB, id string, moneyRate int64) {
	t.Helper()
	ctx := context.Background()
	_, err := db.SaveCountry(ctx, world.Country{ID: id, Name: "Country " + id, LandLimit: 100})
	require.NoError(t, err)
	require.NoError(t, db.SaveResource(ctx, economy.Resource{CountryID: id, MoneyCentsPerSecond: moneyRate, OilUnitsPerSecond: 5}))
}

func TestOpen_RecordsSchemaVersion(t *testing.T) {
	db := openTest(t)
	v, err := db.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestCountry_NotFound(t *testing.T) {
	db := openTest(t)
	_, err := db.Country(context.Background(), "nowhere")
	assert.ErrorIs(t, err, world.ErrNotFound)
}

func TestInsertElections_DuplicateWeekSkipped(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	first, err := db.InsertElections(ctx, social.NextCycle([]string{"a", "b"}, monday, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Empty(t, first.Duplicates)

	second, err := db.InsertElections(ctx, social.NextCycle([]string{"a", "b", "c"}, monday, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)
	assert.ElementsMatch(t, []string{"a", "b"}, second.Duplicates)

	open, err := db.OpenElections(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

func TestDueElections_OnlyEndedAndOpen(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.InsertElections(ctx, social.NextCycle([]string{"a"}, monday.Add(-7*24*time.Hour), 0))
	require.NoError(t, err)
	_, err = db.InsertElections(ctx, social.NextCycle([]string{"a"}, monday, 0))
	require.NoError(t, err)

	due, err := db.DueElections(ctx, monday)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].WeekEnd.Equal(monday))
	assert.Equal(t, time.UTC, due[0].WeekEnd.Location())
}

func TestCastVote_OnePerVoter(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.InsertElections(ctx, social.NextCycle([]string{"a"}, monday, 0))
	require.NoError(t, err)
	open, err := db.OpenElections(ctx)
	require.NoError(t, err)
	id := open[0].ID

	_, err = db.CastVote(ctx, social.Vote{ElectionID: id, VoterID: "v1", Candidate: "c2"})
	require.NoError(t, err)
	_, err = db.CastVote(ctx, social.Vote{ElectionID: id, VoterID: "v1", Candidate: "c1"})
	assert.ErrorIs(t, err, social.ErrDuplicateVote)
	_, err = db.CastVote(ctx, social.Vote{ElectionID: id, VoterID: "v2", Candidate: "c1"})
	require.NoError(t, err)
	_, err = db.CastVote(ctx, social.Vote{ElectionID: id, VoterID: "v3", Candidate: "c2"})
	require.NoError(t, err)

	counts, err := db.VoteCounts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []social.CandidateCount{{Candidate: "c2", Votes: 2}, {Candidate: "c1", Votes: 1}}, counts)

	_, err = db.CastVote(ctx, social.Vote{ElectionID: "missing", VoterID: "v1", Candidate: "c1"})
	assert.ErrorIs(t, err, world.ErrNotFound)
}

func TestCloseElection_SwapsPresident(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.SaveUser(ctx, social.User{ID: "old", Email: "old@x", CountryID: "a", Role: social.RolePresident})
	require.NoError(t, err)
	_, err = db.SaveUser(ctx, social.User{ID: "new", Email: "new@x", CountryID: "a"})
	require.NoError(t, err)
	_, err = db.InsertElections(ctx, social.NextCycle([]string{"a"}, monday, 0))
	require.NoError(t, err)
	open, err := db.OpenElections(ctx)
	require.NoError(t, err)

	require.NoError(t, db.CloseElection(ctx, open[0], "new"))

	presidents, err := db.Presidents(ctx, "a")
	require.NoError(t, err)
	require.Len(t, presidents, 1)
	assert.Equal(t, "new", presidents[0].ID)

	old, err := db.User(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, social.RolePlayer, old.Role)

	e, err := db.Election(ctx, open[0].ID)
	require.NoError(t, err)
	assert.True(t, e.IsClosed)

	err = db.CloseElection(ctx, open[0], "new")
	assert.ErrorIs(t, err, social.ErrElectionClosed)
}

func TestCloseElection_MissingWinnerRollsBack(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.SaveUser(ctx, social.User{ID: "old", Email: "old@x", CountryID: "a", Role: social.RolePresident})
	require.NoError(t, err)
	_, err = db.InsertElections(ctx, social.NextCycle([]string{"a"}, monday, 0))
	require.NoError(t, err)
	open, err := db.OpenElections(ctx)
	require.NoError(t, err)

	err = db.CloseElection(ctx, open[0], "ghost")
	assert.ErrorIs(t, err, world.ErrNotFound)

	e, err := db.Election(ctx, open[0].ID)
	require.NoError(t, err)
	assert.False(t, e.IsClosed)
	old, err := db.User(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, social.RolePresident, old.Role)
}

func attackEvent(t *testing.T, db *DB, to string, arrives time.Time) world.Event {
	t.Helper()
	ev, err := db.ScheduleEvent(context.Background(), world.Event{
		Type:        world.EventAttack,
		FromCountry: "attacker",
		ToCountry:   to,
		UnitType:    "tank",
		Quantity:    3,
		SentAt:      arrives.Add(-time.Minute),
		ArrivesAt:   arrives,
	})
	require.NoError(t, err)
	return ev
}

func TestScheduleEvent_RejectsInvalid(t *testing.T) {
	db := openTest(t)
	_, err := db.ScheduleEvent(context.Background(), world.Event{Type: world.EventAttack, FromCountry: "a"})
	assert.ErrorIs(t, err, world.ErrInvalidEvent)
}

func TestDueEvents_ArrivalOrder(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	late := attackEvent(t, db, "b", monday.Add(-time.Second))
	early := attackEvent(t, db, "b", monday.Add(-time.Hour))
	attackEvent(t, db, "b", monday.Add(time.Hour))

	due, err := db.DueEvents(ctx, monday)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
	assert.True(t, due[0].ArrivesAt.Equal(early.ArrivesAt))

	pending, err := db.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestResolveEvent_ExactlyOnce(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "b", 1000)
	ev := attackEvent(t, db, "b", monday)

	res, err := db.ResolveEvent(ctx, ev, "b", economy.AttackEffect(250, 3), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 250, res.MoneyCentsPerSecond)
	assert.EqualValues(t, 5, res.OilUnitsPerSecond)

	_, err = db.ResolveEvent(ctx, ev, "b", economy.AttackEffect(250, 3), monday)
	assert.ErrorIs(t, err, world.ErrEventResolved)

	r, err := db.Resource(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 250, r.MoneyCentsPerSecond)

	got, err := db.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

func TestResolveEvent_DamageFloorsAtZero(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "b", 100)
	ev := attackEvent(t, db, "b", monday)

	res, err := db.ResolveEvent(ctx, ev, "b", economy.AttackEffect(50, 3), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.MoneyCentsPerSecond)
}

func TestResolveEvent_NukeZeroesMoney(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "b", 987654)
	ev := attackEvent(t, db, "b", monday)

	res, err := db.ResolveEvent(ctx, ev, "b", economy.NukeEffect(), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.MoneyCentsPerSecond)
	assert.EqualValues(t, 5, res.OilUnitsPerSecond)
}

func TestResolveEvent_MissingLedgerRollsBack(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	ev := attackEvent(t, db, "nobody", monday)

	_, err := db.ResolveEvent(ctx, ev, "nobody", economy.AttackEffect(10, 1), monday)
	assert.ErrorIs(t, err, world.ErrNotFound)

	got, err := db.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
}

func TestResolveEvent_ZeroDamageAttackNeedsLedger(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	ev := attackEvent(t, db, "noledger", monday)

	_, err := db.ResolveEvent(ctx, ev, "noledger", economy.AttackEffect(0, 3), monday)
	assert.ErrorIs(t, err, world.ErrNotFound)

	got, err := db.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
	assert.True(t, got.ResolvedAt.IsZero())
}

func TestResolveEvent_SpyWithoutLedger(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	ev, err := db.ScheduleEvent(ctx, world.Event{
		Type:        world.EventSpy,
		FromCountry: "a",
		ToCountry:   "quiet",
		UnitType:    "agent",
		Quantity:    1,
		SentAt:      monday.Add(-time.Minute),
		ArrivesAt:   monday,
	})
	require.NoError(t, err)

	res, err := db.ResolveEvent(ctx, ev, "quiet", economy.Effect{}, monday)
	require.NoError(t, err)
	assert.Equal(t, "quiet", res.CountryID)
}

func TestResolveEvent_SaturatedDamageOnNegativeRate(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "b", 0)
	_, err := db.AdjustRates(ctx, "b", -15, 0)
	require.NoError(t, err)
	ev := attackEvent(t, db, "b", monday)

	res, err := db.ResolveEvent(ctx, ev, "b", economy.AttackEffect(1<<40, 1<<24), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.MoneyCentsPerSecond)
}

func TestResolveEvent_RecordsResolveTime(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "b", 10)
	ev := attackEvent(t, db, "b", monday.Add(-time.Hour))

	_, err := db.ResolveEvent(ctx, ev, "b", economy.AttackEffect(1, 1), monday)
	require.NoError(t, err)

	got, err := db.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.ResolvedAt.Equal(monday), "resolved_at %s", got.ResolvedAt)
}

func TestResolveEvent_BuildUsesLand(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "a", 0)

	ev, err := db.ScheduleEvent(ctx, world.Event{
		Type:         world.EventBuild,
		FromCountry:  "a",
		BuildingType: "refinery",
		City:         "port",
		SentAt:       monday.Add(-4 * time.Minute),
		ArrivesAt:    monday,
	})
	require.NoError(t, err)

	res, err := db.ResolveEvent(ctx, ev, "a", economy.BuildEffect(4, -20, 30), monday)
	require.NoError(t, err)
	assert.EqualValues(t, -20, res.MoneyCentsPerSecond)
	assert.EqualValues(t, 35, res.OilUnitsPerSecond)

	c, err := db.Country(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 4, c.UsedLand)
	assert.EqualValues(t, 96, c.FreeLand())
}

func TestAdjustRates_Unfloored(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedCountry(t, db, "a", 10)

	r, err := db.AdjustRates(ctx, "a", -25, 1)
	require.NoError(t, err)
	assert.EqualValues(t, -15, r.MoneyCentsPerSecond)
	assert.EqualValues(t, 6, r.OilUnitsPerSecond)

	_, err = db.AdjustRates(ctx, "missing", 1, 1)
	assert.ErrorIs(t, err, world.ErrNotFound)
}

func TestAcquireLease(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	ok, err := db.AcquireLease(ctx, "daily-wake", "2026-03-02", "host-a", monday)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.AcquireLease(ctx, "daily-wake", "2026-03-02", "host-a", monday)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquires its own lease")

	ok, err = db.AcquireLease(ctx, "daily-wake", "2026-03-02", "host-b", monday)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.AcquireLease(ctx, "daily-wake", "2026-03-03", "host-b", monday)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWakeJournal_LatestRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, err := db.LatestWakeReport(ctx)
	assert.ErrorIs(t, err, world.ErrNotFound)

	require.NoError(t, db.SaveWakeReport(ctx, engine.WakeReport{At: monday, Holder: "host-a", Skipped: true}))
	require.NoError(t, db.SaveWakeReport(ctx, engine.WakeReport{
		At:             monday.Add(24 * time.Hour),
		Holder:         "host-a",
		EventsResolved: 3,
		EventsByType:   map[string]int{"attack": 2, "build": 1},
		Errors:         []string{"resolve event x: boom"},
	}))

	rep, err := db.LatestWakeReport(ctx)
	require.NoError(t, err)
	assert.True(t, rep.At.Equal(monday.Add(24*time.Hour)))
	assert.False(t, rep.Skipped)
	assert.Equal(t, 3, rep.EventsResolved)
	assert.Equal(t, map[string]int{"attack": 2, "build": 1}, rep.EventsByType)
	assert.Equal(t, []string{"resolve event x: boom"}, rep.Errors)
}

func TestDecodeReport_DetectsCorruption(t *testing.T) {
	blob, digest, err := encodeReport(engine.WakeReport{At: monday, Holder: "h", EventsResolved: 7})
	require.NoError(t, err)

	rep, err := decodeReport(blob, digest)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.EventsResolved)

	_, err = decodeReport(blob, digestOf([]byte("something else")))
	assert.ErrorIs(t, err, ErrCorruptJournal)

	_, err = decodeReport([]byte("not lz4"), digest)
	assert.ErrorIs(t, err, ErrCorruptJournal)
}
