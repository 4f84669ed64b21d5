// Event resolution: apply every arrived attack, spy, nuke and build to the
// resource ledger exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/nationsim/internal/economy"
	"github.com/talgya/nationsim/internal/world"
)

// resolveEvents resolves every due event in arrival order. An event whose
// references cannot be loaded stays unresolved and is retried next wake.
func (s *Scheduler) resolveEvents(ctx context.Context, now time.Time, rep *WakeReport, log *slog.Logger) {
	pending, err := s.Store.DueEvents(ctx, now)
	if err != nil {
		log.Error("event resolution: list due events failed", "error", err)
		rep.fail(fmt.Errorf("list due events: %w", err))
		return
	}

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			log.Warn("event resolution interrupted", "error", err)
			rep.fail(err)
			return
		}
		s.resolveEvent(ctx, now, ev, rep, log)
	}
}

func (s *Scheduler) resolveEvent(ctx context.Context, now time.Time, ev world.Event, rep *WakeReport, log *slog.Logger) {
	target := ev.Target()
	log = log.With("event", ev.ID, "type", ev.Type, "target", target)

	eff, err := s.effectFor(ctx, ev)
	if err == nil {
		var res economy.Resource
		res, err = s.Store.ResolveEvent(ctx, ev, target, eff, now)
		if err == nil {
			s.recordResolved(ctx, now, ev, eff, res, rep, log)
			return
		}
	}

	if errors.Is(err, world.ErrEventResolved) {
		log.Info("event already resolved elsewhere")
		return
	}

	rep.EventsRetried++
	rep.fail(fmt.Errorf("resolve event %s: %w", ev.ID, err))
	rep.emit(Record{
		Description: fmt.Sprintf("%s event %s left unresolved", ev.Type, ev.ID),
		Category:    "retry",
		Meta:        map[string]any{"event_id": ev.ID, "error": err.Error()},
	})
	log.Error("event left unresolved for retry",
		"arrived", humanize.RelTime(ev.ArrivesAt, now, "ago", "from now"),
		"error", err,
	)
}

// effectFor loads whatever the event references and computes its ledger effect.
func (s *Scheduler) effectFor(ctx context.Context, ev world.Event) (economy.Effect, error) {
	switch ev.Type {
	case world.EventAttack:
		unit, err := s.Store.UnitType(ctx, ev.UnitType)
		if err != nil {
			return economy.Effect{}, fmt.Errorf("unit type %s: %w", ev.UnitType, err)
		}
		return economy.AttackEffect(unit.Attack, ev.Quantity), nil
	case world.EventSpy:
		// Intel reveal is not modeled yet; arrival only marks the event resolved.
		return economy.Effect{}, nil
	case world.EventNuke:
		return economy.NukeEffect(), nil
	case world.EventBuild:
		b, err := s.Store.BuildingType(ctx, ev.BuildingType)
		if err != nil {
			return economy.Effect{}, fmt.Errorf("building type %s: %w", ev.BuildingType, err)
		}
		return economy.BuildEffect(b.LandUsage, b.MoneyDeltaPerSecond, b.OilDeltaPerSecond), nil
	}
	return economy.Effect{}, fmt.Errorf("%w: unknown type %q", world.ErrInvalidEvent, ev.Type)
}

func (s *Scheduler) recordResolved(ctx context.Context, now time.Time, ev world.Event, eff economy.Effect, res economy.Resource, rep *WakeReport, log *slog.Logger) {
	rep.EventsResolved++
	if rep.EventsByType == nil {
		rep.EventsByType = make(map[string]int)
	}
	rep.EventsByType[string(ev.Type)]++

	var desc string
	switch ev.Type {
	case world.EventAttack:
		desc = fmt.Sprintf("attack on %s: -%s¢/sec", ev.ToCountry, humanize.Comma(eff.MoneyDamage))
	case world.EventSpy:
		desc = fmt.Sprintf("spies arrived in %s", ev.ToCountry)
	case world.EventNuke:
		desc = fmt.Sprintf("nuke on %s: economy destroyed", ev.ToCountry)
	case world.EventBuild:
		desc = fmt.Sprintf("building %s completed in %s", ev.BuildingType, ev.FromCountry)
	}

	rep.emit(Record{
		Description: desc,
		Category:    "event",
		Meta: map[string]any{
			"event_id":               ev.ID,
			"type":                   ev.Type,
			"country_id":             ev.Target(),
			"money_cents_per_second": res.MoneyCentsPerSecond,
			"oil_units_per_second":   res.OilUnitsPerSecond,
		},
	})
	log.Info("event resolved",
		"money_rate", humanize.Comma(res.MoneyCentsPerSecond),
		"oil_rate", humanize.Comma(res.OilUnitsPerSecond),
		"arrived", humanize.RelTime(ev.ArrivesAt, now, "ago", "from now"),
	)

	if eff.LandDelta > 0 {
		s.checkLand(ctx, ev.Target(), log)
	}
}

// checkLand warns when completed builds pushed a country past its land limit.
// Land is checked when a build is ordered, so this only fires after
// concurrent orders raced each other.
func (s *Scheduler) checkLand(ctx context.Context, countryID string, log *slog.Logger) {
	c, err := s.Store.Country(ctx, countryID)
	if err != nil {
		log.Warn("land check: country lookup failed", "error", err)
		return
	}
	if c.FreeLand() < 0 {
		log.Warn("country over its land limit", "used_land", c.UsedLand, "land_limit", c.LandLimit)
	}
}
