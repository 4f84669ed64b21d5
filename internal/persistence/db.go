// Package persistence stores the shared world documents the scheduler reads
// and writes. DB is the SQLite backend; Mongo is the MongoDB backend.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

const schemaVersion = "1"

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

var _ engine.Store = (*DB)(nil)

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; transactions hold the only connection.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS countries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		land_limit INTEGER NOT NULL DEFAULT 0,
		used_land INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS unit_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		country_id TEXT NOT NULL DEFAULT '',
		cost_cents INTEGER NOT NULL,
		attack INTEGER NOT NULL,
		defense INTEGER NOT NULL,
		speed INTEGER NOT NULL,
		hp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS building_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		country_id TEXT NOT NULL DEFAULT '',
		cost_cents INTEGER NOT NULL,
		land_usage INTEGER NOT NULL,
		money_delta_per_second INTEGER NOT NULL,
		oil_delta_per_second INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resources (
		country_id TEXT PRIMARY KEY,
		money_cents INTEGER NOT NULL DEFAULT 0,
		oil_units INTEGER NOT NULL DEFAULT 0,
		money_cents_per_second INTEGER NOT NULL DEFAULT 0,
		oil_units_per_second INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		country_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'player'
	);

	CREATE TABLE IF NOT EXISTS elections (
		id TEXT PRIMARY KEY,
		country_id TEXT NOT NULL,
		week_start_ms INTEGER NOT NULL,
		week_end_ms INTEGER NOT NULL,
		is_closed INTEGER NOT NULL DEFAULT 0,
		UNIQUE (country_id, week_start_ms)
	);

	CREATE TABLE IF NOT EXISTS votes (
		id TEXT PRIMARY KEY,
		election_id TEXT NOT NULL,
		voter_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		UNIQUE (election_id, voter_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		from_country TEXT NOT NULL,
		to_country TEXT NOT NULL DEFAULT '',
		unit_type TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		building_type TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		sent_at_ms INTEGER NOT NULL,
		arrives_at_ms INTEGER NOT NULL,
		lat REAL NOT NULL DEFAULT 0,
		lng REAL NOT NULL DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS wake_leases (
		task TEXT NOT NULL,
		lease_key TEXT NOT NULL,
		holder TEXT NOT NULL,
		acquired_at_ms INTEGER NOT NULL,
		PRIMARY KEY (task, lease_key)
	);

	CREATE TABLE IF NOT EXISTS wake_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wake_at_ms INTEGER NOT NULL,
		holder TEXT NOT NULL,
		skipped INTEGER NOT NULL,
		report_blob BLOB NOT NULL,
		digest TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_due ON events(resolved, arrives_at_ms);
	CREATE INDEX IF NOT EXISTS idx_elections_due ON elections(is_closed, week_end_ms);
	CREATE INDEX IF NOT EXISTS idx_users_country_role ON users(country_id, role);
	CREATE INDEX IF NOT EXISTS idx_votes_election ON votes(election_id);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	return db.SaveMeta("schema_version", schemaVersion)
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return fromMillis(*ms)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// notFound maps sql.ErrNoRows onto world.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, world.ErrNotFound)
	}
	return err
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// ── Countries and catalogs ──────────────────────────────────────────────

// SaveCountry inserts or replaces a country.
func (db *DB) SaveCountry(ctx context.Context, c world.Country) (world.Country, error) {
	c.ID = newID(c.ID)
	_, err := db.conn.NamedExecContext(ctx, `INSERT OR REPLACE INTO countries
		(id, name, land_limit, used_land) VALUES (:id, :name, :land_limit, :used_land)`, c)
	if err != nil {
		return c, fmt.Errorf("save country %s: %w", c.Name, err)
	}
	return c, nil
}

// Countries lists every country.
func (db *DB) Countries(ctx context.Context) ([]world.Country, error) {
	var out []world.Country
	err := db.conn.SelectContext(ctx, &out, "SELECT id, name, land_limit, used_land FROM countries ORDER BY id")
	return out, err
}

// Country loads one country.
func (db *DB) Country(ctx context.Context, id string) (world.Country, error) {
	var c world.Country
	err := db.conn.GetContext(ctx, &c, "SELECT id, name, land_limit, used_land FROM countries WHERE id = ?", id)
	return c, notFound(err, "country "+id)
}

// SaveUnitType inserts or replaces a unit type.
func (db *DB) SaveUnitType(ctx context.Context, u world.UnitType) (world.UnitType, error) {
	u.ID = newID(u.ID)
	_, err := db.conn.NamedExecContext(ctx, `INSERT OR REPLACE INTO unit_types
		(id, name, country_id, cost_cents, attack, defense, speed, hp)
		VALUES (:id, :name, :country_id, :cost_cents, :attack, :defense, :speed, :hp)`, u)
	if err != nil {
		return u, fmt.Errorf("save unit type %s: %w", u.Name, err)
	}
	return u, nil
}

// UnitType loads one unit type.
func (db *DB) UnitType(ctx context.Context, id string) (world.UnitType, error) {
	var u world.UnitType
	err := db.conn.GetContext(ctx, &u, `SELECT id, name, country_id, cost_cents, attack, defense, speed, hp
		FROM unit_types WHERE id = ?`, id)
	return u, notFound(err, "unit type "+id)
}

// SaveBuildingType inserts or replaces a building type.
func (db *DB) SaveBuildingType(ctx context.Context, b world.BuildingType) (world.BuildingType, error) {
	b.ID = newID(b.ID)
	_, err := db.conn.NamedExecContext(ctx, `INSERT OR REPLACE INTO building_types
		(id, name, country_id, cost_cents, land_usage, money_delta_per_second, oil_delta_per_second)
		VALUES (:id, :name, :country_id, :cost_cents, :land_usage, :money_delta_per_second, :oil_delta_per_second)`, b)
	if err != nil {
		return b, fmt.Errorf("save building type %s: %w", b.Name, err)
	}
	return b, nil
}

// BuildingType loads one building type.
func (db *DB) BuildingType(ctx context.Context, id string) (world.BuildingType, error) {
	var b world.BuildingType
	err := db.conn.GetContext(ctx, &b, `SELECT id, name, country_id, cost_cents, land_usage,
		money_delta_per_second, oil_delta_per_second FROM building_types WHERE id = ?`, id)
	return b, notFound(err, "building type "+id)
}

// ── Resource ledger ─────────────────────────────────────────────────────

const selectResource = `SELECT country_id, money_cents, oil_units, money_cents_per_second, oil_units_per_second
	FROM resources WHERE country_id = ?`

// SaveResource inserts or replaces a country's ledger row.
func (db *DB) SaveResource(ctx context.Context, r economy.Resource) error {
	_, err := db.conn.NamedExecContext(ctx, `INSERT OR REPLACE INTO resources
		(country_id, money_cents, oil_units, money_cents_per_second, oil_units_per_second)
		VALUES (:country_id, :money_cents, :oil_units, :money_cents_per_second, :oil_units_per_second)`, r)
	if err != nil {
		return fmt.Errorf("save resource %s: %w", r.CountryID, err)
	}
	return nil
}

// Resource loads a country's ledger row.
func (db *DB) Resource(ctx context.Context, countryID string) (economy.Resource, error) {
	var r economy.Resource
	err := db.conn.GetContext(ctx, &r, selectResource, countryID)
	return r, notFound(err, "resource "+countryID)
}

// AdjustRates adds unfloored deltas to a country's generation rates in one
// statement. Purchases and builds use it instead of read-modify-write.
func (db *DB) AdjustRates(ctx context.Context, countryID string, moneyDelta, oilDelta int64) (economy.Resource, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return economy.Resource{}, err
	}
	defer tx.Rollback()

	eff := economy.Effect{MoneyDelta: moneyDelta, OilDelta: oilDelta}
	if err := applyEffect(ctx, tx, countryID, eff); err != nil {
		return economy.Resource{}, err
	}
	var r economy.Resource
	if err := tx.GetContext(ctx, &r, selectResource, countryID); err != nil {
		return r, notFound(err, "resource "+countryID)
	}
	return r, tx.Commit()
}

// applyEffect mirrors economy.Effect.Apply in a single UPDATE.
func applyEffect(ctx context.Context, tx *sqlx.Tx, countryID string, eff economy.Effect) error {
	zero := 0
	if eff.ZeroMoney {
		zero = 1
	}
	res, err := tx.NamedExecContext(ctx, `UPDATE resources SET
		money_cents_per_second = (CASE
			WHEN :zero = 1 THEN 0
			WHEN :damage > 0 AND money_cents_per_second <= :damage THEN 0
			WHEN :damage > 0 THEN money_cents_per_second - :damage
			ELSE money_cents_per_second END) + :money_delta,
		oil_units_per_second = oil_units_per_second + :oil_delta
		WHERE country_id = :country`, map[string]any{
		"zero":        zero,
		"damage":      eff.MoneyDamage,
		"money_delta": eff.MoneyDelta,
		"oil_delta":   eff.OilDelta,
		"country":     countryID,
	})
	if err != nil {
		return fmt.Errorf("apply effect to %s: %w", countryID, err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("resource %s: %w", countryID, world.ErrNotFound)
	}
	return nil
}

// ── Users ───────────────────────────────────────────────────────────────

// SaveUser inserts or replaces a user.
func (db *DB) SaveUser(ctx context.Context, u social.User) (social.User, error) {
	u.ID = newID(u.ID)
	if u.Role == "" {
		u.Role = social.RolePlayer
	}
	_, err := db.conn.ExecContext(ctx, `INSERT OR REPLACE INTO users
		(id, email, country_id, role) VALUES (?, ?, ?, ?)`, u.ID, u.Email, u.CountryID, string(u.Role))
	if err != nil {
		return u, fmt.Errorf("save user %s: %w", u.Email, err)
	}
	return u, nil
}

// User loads one user.
func (db *DB) User(ctx context.Context, id string) (social.User, error) {
	var u social.User
	err := db.conn.GetContext(ctx, &u, "SELECT id, email, country_id, role FROM users WHERE id = ?", id)
	return u, notFound(err, "user "+id)
}

// Presidents lists the current presidents of a country.
func (db *DB) Presidents(ctx context.Context, countryID string) ([]social.User, error) {
	var out []social.User
	err := db.conn.SelectContext(ctx, &out,
		"SELECT id, email, country_id, role FROM users WHERE country_id = ? AND role = ? ORDER BY id",
		countryID, string(social.RolePresident))
	return out, err
}

// ── Elections and votes ─────────────────────────────────────────────────

type electionRow struct {
	ID          string `db:"id"`
	CountryID   string `db:"country_id"`
	WeekStartMs int64  `db:"week_start_ms"`
	WeekEndMs   int64  `db:"week_end_ms"`
	IsClosed    bool   `db:"is_closed"`
}

func (r electionRow) election() social.Election {
	return social.Election{
		ID:        r.ID,
		CountryID: r.CountryID,
		WeekStart: fromMillis(r.WeekStartMs),
		WeekEnd:   fromMillis(r.WeekEndMs),
		IsClosed:  r.IsClosed,
	}
}

func elections(rows []electionRow) []social.Election {
	out := make([]social.Election, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.election())
	}
	return out
}

const selectElection = "SELECT id, country_id, week_start_ms, week_end_ms, is_closed FROM elections"

// InsertElections inserts each election independently. A duplicate
// (country, week start) is skipped and reported; other failures are joined
// into the returned error after every row has been tried.
func (db *DB) InsertElections(ctx context.Context, batch []social.Election) (social.ElectionBatch, error) {
	var res social.ElectionBatch
	var errs []error

	for _, e := range batch {
		r, err := db.conn.ExecContext(ctx, `INSERT INTO elections
			(id, country_id, week_start_ms, week_end_ms, is_closed) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (country_id, week_start_ms) DO NOTHING`,
			newID(e.ID), e.CountryID, millis(e.WeekStart), millis(e.WeekEnd), e.IsClosed)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert election for %s: %w", e.CountryID, err))
			continue
		}
		if rowsAffected(r) == 0 {
			res.Duplicates = append(res.Duplicates, e.CountryID)
			continue
		}
		res.Inserted++
	}

	return res, errors.Join(errs...)
}

// Election loads one election.
func (db *DB) Election(ctx context.Context, id string) (social.Election, error) {
	var r electionRow
	err := db.conn.GetContext(ctx, &r, selectElection+" WHERE id = ?", id)
	return r.election(), notFound(err, "election "+id)
}

// DueElections lists open elections whose week has ended.
func (db *DB) DueElections(ctx context.Context, now time.Time) ([]social.Election, error) {
	var rows []electionRow
	err := db.conn.SelectContext(ctx, &rows,
		selectElection+" WHERE is_closed = 0 AND week_end_ms <= ? ORDER BY week_end_ms, id", millis(now))
	return elections(rows), err
}

// OpenElections lists every election not yet closed.
func (db *DB) OpenElections(ctx context.Context) ([]social.Election, error) {
	var rows []electionRow
	err := db.conn.SelectContext(ctx, &rows, selectElection+" WHERE is_closed = 0 ORDER BY week_end_ms, id")
	return elections(rows), err
}

// CastVote records a ballot. One vote per voter per election; closed
// elections take no votes.
func (db *DB) CastVote(ctx context.Context, v social.Vote) (social.Vote, error) {
	v.ID = newID(v.ID)

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	var closed bool
	if err := tx.GetContext(ctx, &closed, "SELECT is_closed FROM elections WHERE id = ?", v.ElectionID); err != nil {
		return v, notFound(err, "election "+v.ElectionID)
	}
	if closed {
		return v, social.ErrElectionClosed
	}

	r, err := tx.ExecContext(ctx, `INSERT INTO votes (id, election_id, voter_id, candidate_id)
		VALUES (?, ?, ?, ?) ON CONFLICT (election_id, voter_id) DO NOTHING`,
		v.ID, v.ElectionID, v.VoterID, v.Candidate)
	if err != nil {
		return v, fmt.Errorf("cast vote: %w", err)
	}
	if rowsAffected(r) == 0 {
		return v, social.ErrDuplicateVote
	}
	return v, tx.Commit()
}

// VoteCounts groups an election's ballots by candidate, most votes first,
// ties by candidate ID.
func (db *DB) VoteCounts(ctx context.Context, electionID string) ([]social.CandidateCount, error) {
	var out []social.CandidateCount
	err := db.conn.SelectContext(ctx, &out, `SELECT candidate_id, COUNT(*) AS votes
		FROM votes WHERE election_id = ?
		GROUP BY candidate_id ORDER BY votes DESC, candidate_id`, electionID)
	return out, err
}

// CloseElection closes the election and hands the presidency to winnerID in
// one transaction.
func (db *DB) CloseElection(ctx context.Context, e social.Election, winnerID string) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "UPDATE elections SET is_closed = 1 WHERE id = ? AND is_closed = 0", e.ID)
	if err != nil {
		return fmt.Errorf("mark closed: %w", err)
	}
	if rowsAffected(r) == 0 {
		return social.ErrElectionClosed
	}

	if _, err := tx.ExecContext(ctx, "UPDATE users SET role = ? WHERE country_id = ? AND role = ?",
		string(social.RolePlayer), e.CountryID, string(social.RolePresident)); err != nil {
		return fmt.Errorf("demote presidents: %w", err)
	}

	r, err = tx.ExecContext(ctx, "UPDATE users SET role = ? WHERE id = ?", string(social.RolePresident), winnerID)
	if err != nil {
		return fmt.Errorf("promote winner: %w", err)
	}
	if rowsAffected(r) == 0 {
		return fmt.Errorf("winner %s: %w", winnerID, world.ErrNotFound)
	}

	return tx.Commit()
}

// ── Events ──────────────────────────────────────────────────────────────

type eventRow struct {
	ID           string  `db:"id"`
	Type         string  `db:"type"`
	FromCountry  string  `db:"from_country"`
	ToCountry    string  `db:"to_country"`
	UnitType     string  `db:"unit_type"`
	Quantity     int64   `db:"quantity"`
	BuildingType string  `db:"building_type"`
	City         string  `db:"city"`
	SentAtMs     int64   `db:"sent_at_ms"`
	ArrivesAtMs  int64   `db:"arrives_at_ms"`
	Lat          float64 `db:"lat"`
	Lng          float64 `db:"lng"`
	Resolved     bool    `db:"resolved"`
	ResolvedAtMs *int64  `db:"resolved_at_ms"`
}

func (r eventRow) event() world.Event {
	return world.Event{
		ID:           r.ID,
		Type:         world.EventType(r.Type),
		FromCountry:  r.FromCountry,
		ToCountry:    r.ToCountry,
		UnitType:     r.UnitType,
		Quantity:     r.Quantity,
		BuildingType: r.BuildingType,
		City:         r.City,
		SentAt:       fromMillis(r.SentAtMs),
		ArrivesAt:    fromMillis(r.ArrivesAtMs),
		Location:     world.Location{Lat: r.Lat, Lng: r.Lng},
		Resolved:     r.Resolved,
		ResolvedAt:   optionalMillis(r.ResolvedAtMs),
	}
}

func events(rows []eventRow) []world.Event {
	out := make([]world.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out
}

const selectEvent = `SELECT id, type, from_country, to_country, unit_type, quantity, building_type, city,
	sent_at_ms, arrives_at_ms, lat, lng, resolved, resolved_at_ms FROM events`

// ScheduleEvent validates and stores a new event.
func (db *DB) ScheduleEvent(ctx context.Context, ev world.Event) (world.Event, error) {
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	ev.ID = newID(ev.ID)
	ev.Resolved = false
	ev.ResolvedAt = time.Time{}

	_, err := db.conn.ExecContext(ctx, `INSERT INTO events
		(id, type, from_country, to_country, unit_type, quantity, building_type, city,
		 sent_at_ms, arrives_at_ms, lat, lng, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ev.ID, string(ev.Type), ev.FromCountry, ev.ToCountry, ev.UnitType, ev.Quantity, ev.BuildingType, ev.City,
		millis(ev.SentAt), millis(ev.ArrivesAt), ev.Location.Lat, ev.Location.Lng,
	)
	if err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// Event loads one event.
func (db *DB) Event(ctx context.Context, id string) (world.Event, error) {
	var r eventRow
	err := db.conn.GetContext(ctx, &r, selectEvent+" WHERE id = ?", id)
	return r.event(), notFound(err, "event "+id)
}

// DueEvents lists unresolved events that have arrived, in arrival order.
func (db *DB) DueEvents(ctx context.Context, now time.Time) ([]world.Event, error) {
	var rows []eventRow
	err := db.conn.SelectContext(ctx, &rows,
		selectEvent+" WHERE resolved = 0 AND arrives_at_ms <= ? ORDER BY arrives_at_ms, id", millis(now))
	return events(rows), err
}

// PendingEvents lists up to limit unresolved events, soonest first.
func (db *DB) PendingEvents(ctx context.Context, limit int) ([]world.Event, error) {
	var rows []eventRow
	err := db.conn.SelectContext(ctx, &rows,
		selectEvent+" WHERE resolved = 0 ORDER BY arrives_at_ms, id LIMIT ?", limit)
	return events(rows), err
}

// ResolveEvent flips the resolved flag and applies eff to target in one
// transaction. Nothing is written unless every step succeeds.
func (db *DB) ResolveEvent(ctx context.Context, ev world.Event, target string, eff economy.Effect, now time.Time) (economy.Resource, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return economy.Resource{}, err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "UPDATE events SET resolved = 1, resolved_at_ms = ? WHERE id = ? AND resolved = 0",
		millis(now), ev.ID)
	if err != nil {
		return economy.Resource{}, fmt.Errorf("mark resolved: %w", err)
	}
	if rowsAffected(r) == 0 {
		return economy.Resource{}, world.ErrEventResolved
	}

	if eff.TouchesLedger() || ev.Type.Damaging() {
		if err := applyEffect(ctx, tx, target, eff); err != nil {
			return economy.Resource{}, err
		}
	}
	if eff.LandDelta != 0 {
		r, err := tx.ExecContext(ctx, "UPDATE countries SET used_land = used_land + ? WHERE id = ?", eff.LandDelta, target)
		if err != nil {
			return economy.Resource{}, fmt.Errorf("use land: %w", err)
		}
		if rowsAffected(r) == 0 {
			return economy.Resource{}, fmt.Errorf("country %s: %w", target, world.ErrNotFound)
		}
	}

	res := economy.Resource{CountryID: target}
	if err := tx.GetContext(ctx, &res, selectResource, target); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return economy.Resource{}, err
	}

	if err := tx.Commit(); err != nil {
		return economy.Resource{}, err
	}
	return res, nil
}

// ── Lease and journal ───────────────────────────────────────────────────

// AcquireLease claims (task, key) for holder. The first holder keeps it.
func (db *DB) AcquireLease(ctx context.Context, task, key, holder string, at time.Time) (bool, error) {
	r, err := db.conn.ExecContext(ctx, `INSERT INTO wake_leases (task, lease_key, holder, acquired_at_ms)
		VALUES (?, ?, ?, ?) ON CONFLICT (task, lease_key) DO NOTHING`, task, key, holder, millis(at))
	if err != nil {
		return false, fmt.Errorf("claim lease %s/%s: %w", task, key, err)
	}
	if rowsAffected(r) == 1 {
		return true, nil
	}

	var owner string
	if err := db.conn.GetContext(ctx, &owner,
		"SELECT holder FROM wake_leases WHERE task = ? AND lease_key = ?", task, key); err != nil {
		return false, fmt.Errorf("read lease %s/%s: %w", task, key, err)
	}
	return owner == holder, nil
}

// SaveWakeReport appends a report to the wake journal.
func (db *DB) SaveWakeReport(ctx context.Context, rep engine.WakeReport) error {
	blob, digest, err := encodeReport(rep)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `INSERT INTO wake_journal (wake_at_ms, holder, skipped, report_blob, digest)
		VALUES (?, ?, ?, ?, ?)`, millis(rep.At), rep.Holder, rep.Skipped, blob, digest)
	if err != nil {
		return fmt.Errorf("save wake report: %w", err)
	}
	slog.Debug("wake report journaled", "at", rep.At, "bytes", len(blob), "digest", digest[:12])
	return nil
}

// LatestWakeReport returns the most recently journaled report.
func (db *DB) LatestWakeReport(ctx context.Context) (engine.WakeReport, error) {
	var row struct {
		Blob   []byte `db:"report_blob"`
		Digest string `db:"digest"`
	}
	err := db.conn.GetContext(ctx, &row, "SELECT report_blob, digest FROM wake_journal ORDER BY id DESC LIMIT 1")
	if err != nil {
		return engine.WakeReport{}, notFound(err, "wake report")
	}
	return decodeReport(row.Blob, row.Digest)
}
