package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/persistence"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

var tuesday = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *persistence.DB) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sched := engine.NewScheduler(db, engine.NewFakeClock(tuesday), "host-a")
	runner, err := engine.NewRunner(sched, "")
	require.NoError(t, err)
	return &Server{Sched: sched, Runner: runner, Store: db, AdminKey: "secret"}, db
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus_BeforeAndAfterWake(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var before map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	assert.Equal(t, "host-a", before["holder"])
	assert.Equal(t, "Monday", before["cycle_day"])
	assert.Equal(t, engine.DefaultSchedule, before["schedule"])
	assert.NotContains(t, before, "last_wake")
	assert.Contains(t, before, "next_wake")

	s.Sched.Wake(context.Background())

	rec = do(t, h, http.MethodGet, "/api/v1/status", "")
	var after struct {
		LastWake engine.WakeReport `json:"last_wake"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.True(t, after.LastWake.At.Equal(tuesday))
}

func TestStatus_FallsBackToJournal(t *testing.T) {
	s, db := newTestServer(t)
	require.NoError(t, db.SaveWakeReport(context.Background(), engine.WakeReport{At: tuesday, Holder: "host-b", EventsResolved: 2}))

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/status", "")
	var status struct {
		LastWake engine.WakeReport `json:"last_wake"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "host-b", status.LastWake.Holder)
	assert.Equal(t, 2, status.LastWake.EventsResolved)
}

func TestPendingEventsAndOpenElections(t *testing.T) {
	s, db := newTestServer(t)
	ctx := context.Background()
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/events/pending", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, err := db.ScheduleEvent(ctx, world.Event{
		Type: world.EventSpy, FromCountry: "a", ToCountry: "b", UnitType: "agent", Quantity: 1,
		SentAt: tuesday, ArrivesAt: tuesday.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = db.InsertElections(ctx, social.NextCycle([]string{"a"}, tuesday, 0))
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/api/v1/events/pending?limit=5", "")
	var events []world.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, world.EventSpy, events[0].Type)

	rec = do(t, h, http.MethodGet, "/api/v1/elections/open", "")
	var elections []social.Election
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &elections))
	require.Len(t, elections, 1)
	assert.Equal(t, "a", elections[0].CountryID)

	rec = do(t, h, http.MethodPost, "/api/v1/elections/open", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResolve_RequiresAdmin(t *testing.T) {
	s, db := newTestServer(t)
	ctx := context.Background()
	h := s.Handler()

	_, err := db.SaveCountry(ctx, world.Country{ID: "b", Name: "B"})
	require.NoError(t, err)
	require.NoError(t, db.SaveResource(ctx, economy.Resource{CountryID: "b", MoneyCentsPerSecond: 500}))
	_, err = db.ScheduleEvent(ctx, world.Event{
		Type: world.EventNuke, FromCountry: "a", ToCountry: "b", UnitType: "icbm", Quantity: 1,
		SentAt: tuesday.Add(-time.Hour), ArrivesAt: tuesday,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/resolve", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/resolve", "wrong").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/v1/resolve", "").Code)

	rec := do(t, h, http.MethodPost, "/api/v1/resolve", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep engine.WakeReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 1, rep.EventsResolved)

	r, err := db.Resource(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.MoneyCentsPerSecond)
}

func TestResolve_DisabledWithoutKey(t *testing.T) {
	s, _ := newTestServer(t)
	s.AdminKey = ""
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/resolve", "anything")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.Limiter = NewRateLimiter(0.001, 2)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", clientIP(r))
	r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
