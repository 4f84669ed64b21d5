package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

const duplicateKey = 11000

// Mongo is the MongoDB backend. Transactions need a replica set.
type Mongo struct {
	Client *mongo.Client
	DB     *mongo.Database
}

var _ engine.Store = (*Mongo)(nil)

// OpenMongo connects, pings, and creates the indexes the store relies on.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := &Mongo{Client: client, DB: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return m, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *Mongo) countries() *mongo.Collection     { return m.DB.Collection("countries") }
func (m *Mongo) unitTypes() *mongo.Collection     { return m.DB.Collection("unit_types") }
func (m *Mongo) buildingTypes() *mongo.Collection { return m.DB.Collection("building_types") }
func (m *Mongo) resources() *mongo.Collection     { return m.DB.Collection("resources") }
func (m *Mongo) users() *mongo.Collection         { return m.DB.Collection("users") }
func (m *Mongo) elections() *mongo.Collection     { return m.DB.Collection("elections") }
func (m *Mongo) votes() *mongo.Collection         { return m.DB.Collection("votes") }
func (m *Mongo) events() *mongo.Collection        { return m.DB.Collection("events") }
func (m *Mongo) leases() *mongo.Collection        { return m.DB.Collection("wake_leases") }
func (m *Mongo) journal() *mongo.Collection       { return m.DB.Collection("wake_journal") }

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{m.elections(), mongo.IndexModel{Keys: bson.D{{Key: "country", Value: 1}, {Key: "weekStart", Value: 1}}, Options: unique}},
		{m.elections(), mongo.IndexModel{Keys: bson.D{{Key: "isClosed", Value: 1}, {Key: "weekEnd", Value: 1}}}},
		{m.votes(), mongo.IndexModel{Keys: bson.D{{Key: "election", Value: 1}, {Key: "voter", Value: 1}}, Options: unique}},
		{m.events(), mongo.IndexModel{Keys: bson.D{{Key: "resolved", Value: 1}, {Key: "arrivesAt", Value: 1}}}},
		{m.resources(), mongo.IndexModel{Keys: bson.D{{Key: "country", Value: 1}}, Options: unique}},
		{m.users(), mongo.IndexModel{Keys: bson.D{{Key: "country", Value: 1}, {Key: "role", Value: 1}}}},
		{m.users(), mongo.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique}},
		{m.journal(), mongo.IndexModel{Keys: bson.D{{Key: "at", Value: -1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("%s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

// noDoc maps mongo.ErrNoDocuments onto world.ErrNotFound.
func noDoc(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, world.ErrNotFound)
	}
	return err
}

func upsertByID(ctx context.Context, coll *mongo.Collection, id string, doc any) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

// transact runs fn inside a transaction on a fresh session.
func (m *Mongo) transact(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := m.Client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// ── Countries and catalogs ──────────────────────────────────────────────

// SaveCountry inserts or replaces a country.
func (m *Mongo) SaveCountry(ctx context.Context, c world.Country) (world.Country, error) {
	c.ID = newID(c.ID)
	return c, upsertByID(ctx, m.countries(), c.ID, c)
}

// Countries lists every country.
func (m *Mongo) Countries(ctx context.Context) ([]world.Country, error) {
	cur, err := m.countries().Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []world.Country
	err = cur.All(ctx, &out)
	return out, err
}

// Country loads one country.
func (m *Mongo) Country(ctx context.Context, id string) (world.Country, error) {
	var c world.Country
	err := m.countries().FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, noDoc(err, "country "+id)
}

// SaveUnitType inserts or replaces a unit type.
func (m *Mongo) SaveUnitType(ctx context.Context, u world.UnitType) (world.UnitType, error) {
	u.ID = newID(u.ID)
	return u, upsertByID(ctx, m.unitTypes(), u.ID, u)
}

// UnitType loads one unit type.
func (m *Mongo) UnitType(ctx context.Context, id string) (world.UnitType, error) {
	var u world.UnitType
	err := m.unitTypes().FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	return u, noDoc(err, "unit type "+id)
}

// SaveBuildingType inserts or replaces a building type.
func (m *Mongo) SaveBuildingType(ctx context.Context, b world.BuildingType) (world.BuildingType, error) {
	b.ID = newID(b.ID)
	return b, upsertByID(ctx, m.buildingTypes(), b.ID, b)
}

// BuildingType loads one building type.
func (m *Mongo) BuildingType(ctx context.Context, id string) (world.BuildingType, error) {
	var b world.BuildingType
	err := m.buildingTypes().FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	return b, noDoc(err, "building type "+id)
}

// ── Resource ledger ─────────────────────────────────────────────────────

// SaveResource inserts or replaces a country's ledger document.
func (m *Mongo) SaveResource(ctx context.Context, r economy.Resource) error {
	_, err := m.resources().ReplaceOne(ctx, bson.M{"country": r.CountryID}, r, options.Replace().SetUpsert(true))
	return err
}

// Resource loads a country's ledger document.
func (m *Mongo) Resource(ctx context.Context, countryID string) (economy.Resource, error) {
	var r economy.Resource
	err := m.resources().FindOne(ctx, bson.M{"country": countryID}).Decode(&r)
	return r, noDoc(err, "resource "+countryID)
}

// AdjustRates adds unfloored deltas to a country's generation rates with $inc.
func (m *Mongo) AdjustRates(ctx context.Context, countryID string, moneyDelta, oilDelta int64) (economy.Resource, error) {
	var r economy.Resource
	err := m.resources().FindOneAndUpdate(ctx,
		bson.M{"country": countryID},
		bson.M{"$inc": bson.M{"moneyCentsPerSecond": moneyDelta, "oilUnitsPerSecond": oilDelta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	return r, noDoc(err, "resource "+countryID)
}

// effectPipeline mirrors economy.Effect.Apply as an aggregation-pipeline update.
func effectPipeline(eff economy.Effect) mongo.Pipeline {
	var money any = "$moneyCentsPerSecond"
	switch {
	case eff.ZeroMoney:
		money = int64(0)
	case eff.MoneyDamage > 0:
		money = bson.M{"$cond": bson.A{
			bson.M{"$lte": bson.A{"$moneyCentsPerSecond", eff.MoneyDamage}},
			int64(0),
			bson.M{"$subtract": bson.A{"$moneyCentsPerSecond", eff.MoneyDamage}},
		}}
	}
	return mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "moneyCentsPerSecond", Value: bson.M{"$add": bson.A{money, eff.MoneyDelta}}},
			{Key: "oilUnitsPerSecond", Value: bson.M{"$add": bson.A{"$oilUnitsPerSecond", eff.OilDelta}}},
		}}},
	}
}

// ── Users ───────────────────────────────────────────────────────────────

// SaveUser inserts or replaces a user.
func (m *Mongo) SaveUser(ctx context.Context, u social.User) (social.User, error) {
	u.ID = newID(u.ID)
	if u.Role == "" {
		u.Role = social.RolePlayer
	}
	return u, upsertByID(ctx, m.users(), u.ID, u)
}

// User loads one user.
func (m *Mongo) User(ctx context.Context, id string) (social.User, error) {
	var u social.User
	err := m.users().FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	return u, noDoc(err, "user "+id)
}

// Presidents lists the current presidents of a country.
func (m *Mongo) Presidents(ctx context.Context, countryID string) ([]social.User, error) {
	cur, err := m.users().Find(ctx,
		bson.M{"country": countryID, "role": social.RolePresident},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []social.User
	err = cur.All(ctx, &out)
	return out, err
}

// ── Elections and votes ─────────────────────────────────────────────────

// InsertElections does one unordered insert. Duplicate-key failures are
// reported per country; anything else is returned after the batch.
func (m *Mongo) InsertElections(ctx context.Context, batch []social.Election) (social.ElectionBatch, error) {
	var res social.ElectionBatch
	if len(batch) == 0 {
		return res, nil
	}

	docs := make([]interface{}, len(batch))
	for i := range batch {
		batch[i].ID = newID(batch[i].ID)
		docs[i] = batch[i]
	}

	_, err := m.elections().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		res.Inserted = len(batch)
		return res, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return res, fmt.Errorf("insert elections: %w", err)
	}

	var errs []error
	for _, we := range bwe.WriteErrors {
		if we.Code == duplicateKey {
			res.Duplicates = append(res.Duplicates, batch[we.Index].CountryID)
			continue
		}
		errs = append(errs, fmt.Errorf("insert election for %s: %s", batch[we.Index].CountryID, we.Message))
	}
	if bwe.WriteConcernError != nil {
		errs = append(errs, fmt.Errorf("insert elections: %s", bwe.WriteConcernError.Message))
	}
	res.Inserted = len(batch) - len(bwe.WriteErrors)
	return res, errors.Join(errs...)
}

// Election loads one election.
func (m *Mongo) Election(ctx context.Context, id string) (social.Election, error) {
	var e social.Election
	err := m.elections().FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	return e, noDoc(err, "election "+id)
}

func (m *Mongo) findElections(ctx context.Context, filter bson.M) ([]social.Election, error) {
	cur, err := m.elections().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "weekEnd", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []social.Election
	err = cur.All(ctx, &out)
	return out, err
}

// DueElections lists open elections whose week has ended.
func (m *Mongo) DueElections(ctx context.Context, now time.Time) ([]social.Election, error) {
	return m.findElections(ctx, bson.M{"isClosed": false, "weekEnd": bson.M{"$lte": now}})
}

// OpenElections lists every election not yet closed.
func (m *Mongo) OpenElections(ctx context.Context) ([]social.Election, error) {
	return m.findElections(ctx, bson.M{"isClosed": false})
}

// CastVote records a ballot. One vote per voter per election; closed
// elections take no votes.
func (m *Mongo) CastVote(ctx context.Context, v social.Vote) (social.Vote, error) {
	v.ID = newID(v.ID)

	e, err := m.Election(ctx, v.ElectionID)
	if err != nil {
		return v, err
	}
	if e.IsClosed {
		return v, social.ErrElectionClosed
	}

	if _, err := m.votes().InsertOne(ctx, v); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return v, social.ErrDuplicateVote
		}
		return v, fmt.Errorf("cast vote: %w", err)
	}
	return v, nil
}

// VoteCounts groups an election's ballots by candidate, most votes first,
// ties by candidate ID.
func (m *Mongo) VoteCounts(ctx context.Context, electionID string) ([]social.CandidateCount, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"election": electionID}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$candidate"},
			{Key: "count", Value: bson.M{"$sum": 1}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	cur, err := m.votes().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var out []social.CandidateCount
	err = cur.All(ctx, &out)
	return out, err
}

// CloseElection closes the election and hands the presidency to winnerID in
// one transaction.
func (m *Mongo) CloseElection(ctx context.Context, e social.Election, winnerID string) error {
	return m.transact(ctx, func(sc mongo.SessionContext) error {
		r, err := m.elections().UpdateOne(sc,
			bson.M{"_id": e.ID, "isClosed": false},
			bson.M{"$set": bson.M{"isClosed": true}})
		if err != nil {
			return fmt.Errorf("mark closed: %w", err)
		}
		if r.MatchedCount == 0 {
			return social.ErrElectionClosed
		}

		if _, err := m.users().UpdateMany(sc,
			bson.M{"country": e.CountryID, "role": social.RolePresident},
			bson.M{"$set": bson.M{"role": social.RolePlayer}}); err != nil {
			return fmt.Errorf("demote presidents: %w", err)
		}

		r, err = m.users().UpdateOne(sc,
			bson.M{"_id": winnerID},
			bson.M{"$set": bson.M{"role": social.RolePresident}})
		if err != nil {
			return fmt.Errorf("promote winner: %w", err)
		}
		if r.MatchedCount == 0 {
			return fmt.Errorf("winner %s: %w", winnerID, world.ErrNotFound)
		}
		return nil
	})
}

// ── Events ──────────────────────────────────────────────────────────────

// ScheduleEvent validates and stores a new event.
func (m *Mongo) ScheduleEvent(ctx context.Context, ev world.Event) (world.Event, error) {
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	ev.ID = newID(ev.ID)
	ev.Resolved = false
	ev.ResolvedAt = time.Time{}
	if _, err := m.events().InsertOne(ctx, ev); err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// Event loads one event.
func (m *Mongo) Event(ctx context.Context, id string) (world.Event, error) {
	var ev world.Event
	err := m.events().FindOne(ctx, bson.M{"_id": id}).Decode(&ev)
	return ev, noDoc(err, "event "+id)
}

func (m *Mongo) findEvents(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]world.Event, error) {
	opts.SetSort(bson.D{{Key: "arrivesAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := m.events().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []world.Event
	err = cur.All(ctx, &out)
	return out, err
}

// DueEvents lists unresolved events that have arrived, in arrival order.
func (m *Mongo) DueEvents(ctx context.Context, now time.Time) ([]world.Event, error) {
	return m.findEvents(ctx, bson.M{"resolved": false, "arrivesAt": bson.M{"$lte": now}}, options.Find())
}

// PendingEvents lists up to limit unresolved events, soonest first.
func (m *Mongo) PendingEvents(ctx context.Context, limit int) ([]world.Event, error) {
	return m.findEvents(ctx, bson.M{"resolved": false}, options.Find().SetLimit(int64(limit)))
}

// ResolveEvent flips the resolved flag and applies eff to target in one
// transaction.
func (m *Mongo) ResolveEvent(ctx context.Context, ev world.Event, target string, eff economy.Effect, now time.Time) (economy.Resource, error) {
	res := economy.Resource{CountryID: target}

	err := m.transact(ctx, func(sc mongo.SessionContext) error {
		r, err := m.events().UpdateOne(sc,
			bson.M{"_id": ev.ID, "resolved": false},
			bson.M{"$set": bson.M{"resolved": true, "resolvedAt": now.UTC()}})
		if err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		if r.MatchedCount == 0 {
			return world.ErrEventResolved
		}

		if eff.TouchesLedger() || ev.Type.Damaging() {
			r, err := m.resources().UpdateOne(sc, bson.M{"country": target}, effectPipeline(eff))
			if err != nil {
				return fmt.Errorf("apply effect to %s: %w", target, err)
			}
			if r.MatchedCount == 0 {
				return fmt.Errorf("resource %s: %w", target, world.ErrNotFound)
			}
		}
		if eff.LandDelta != 0 {
			r, err := m.countries().UpdateOne(sc, bson.M{"_id": target}, bson.M{"$inc": bson.M{"usedLand": eff.LandDelta}})
			if err != nil {
				return fmt.Errorf("use land: %w", err)
			}
			if r.MatchedCount == 0 {
				return fmt.Errorf("country %s: %w", target, world.ErrNotFound)
			}
		}

		err = m.resources().FindOne(sc, bson.M{"country": target}).Decode(&res)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		return nil
	})
	if err != nil {
		return economy.Resource{}, err
	}
	return res, nil
}

// ── Lease and journal ───────────────────────────────────────────────────

type leaseDoc struct {
	ID         string    `bson:"_id"`
	Task       string    `bson:"task"`
	Key        string    `bson:"key"`
	Holder     string    `bson:"holder"`
	AcquiredAt time.Time `bson:"acquiredAt"`
}

// AcquireLease claims (task, key) for holder. The first holder keeps it.
func (m *Mongo) AcquireLease(ctx context.Context, task, key, holder string, at time.Time) (bool, error) {
	id := task + "/" + key
	_, err := m.leases().InsertOne(ctx, leaseDoc{ID: id, Task: task, Key: key, Holder: holder, AcquiredAt: at})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("claim lease %s: %w", id, err)
	}

	var owner leaseDoc
	if err := m.leases().FindOne(ctx, bson.M{"_id": id}).Decode(&owner); err != nil {
		return false, fmt.Errorf("read lease %s: %w", id, err)
	}
	return owner.Holder == holder, nil
}

type journalDoc struct {
	At      time.Time `bson:"at"`
	Holder  string    `bson:"holder"`
	Skipped bool      `bson:"skipped"`
	Report  []byte    `bson:"report"`
	Digest  string    `bson:"digest"`
}

// SaveWakeReport appends a report to the wake journal.
func (m *Mongo) SaveWakeReport(ctx context.Context, rep engine.WakeReport) error {
	blob, digest, err := encodeReport(rep)
	if err != nil {
		return err
	}
	_, err = m.journal().InsertOne(ctx, journalDoc{At: rep.At, Holder: rep.Holder, Skipped: rep.Skipped, Report: blob, Digest: digest})
	if err != nil {
		return fmt.Errorf("save wake report: %w", err)
	}
	return nil
}

// LatestWakeReport returns the most recently journaled report.
func (m *Mongo) LatestWakeReport(ctx context.Context) (engine.WakeReport, error) {
	var doc journalDoc
	err := m.journal().FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}})).Decode(&doc)
	if err != nil {
		return engine.WakeReport{}, noDoc(err, "wake report")
	}
	return decodeReport(doc.Report, doc.Digest)
}
