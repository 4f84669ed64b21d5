// Package economy provides the per-country resource ledger and the effects
// world events have on it.
package economy

import "math"

// Resource is the ledger row for one country: current stockpiles and the
// generation rates for money (cents) and oil (units).
type Resource struct {
	CountryID           string `json:"country_id" db:"country_id" bson:"country"`
	MoneyCents          int64  `json:"money_cents" db:"money_cents" bson:"moneyCents"`
	OilUnits            int64  `json:"oil_units" db:"oil_units" bson:"oilUnits"`
	MoneyCentsPerSecond int64  `json:"money_cents_per_second" db:"money_cents_per_second" bson:"moneyCentsPerSecond"`
	OilUnitsPerSecond   int64  `json:"oil_units_per_second" db:"oil_units_per_second" bson:"oilUnitsPerSecond"`
}

// Effect describes a change to a country's ledger and land. Stores apply it
// with storage-level arithmetic so concurrent writers never lose updates.
//
// Order of application: ZeroMoney or MoneyDamage first, then the deltas.
type Effect struct {
	ZeroMoney   bool  `json:"zero_money,omitempty"`   // nuke: money rate becomes 0
	MoneyDamage int64 `json:"money_damage,omitempty"` // attack: subtract, floored at 0
	MoneyDelta  int64 `json:"money_delta,omitempty"`  // unfloored
	OilDelta    int64 `json:"oil_delta,omitempty"`    // unfloored
	LandDelta   int64 `json:"land_delta,omitempty"`   // added to Country.UsedLand
}

// AttackEffect is the damage of quantity units with the given attack power.
// Damage saturates at math.MaxInt64.
func AttackEffect(attack, quantity int64) Effect {
	return Effect{MoneyDamage: Damage(attack, quantity)}
}

// Damage returns attack*quantity, saturated at math.MaxInt64.
func Damage(attack, quantity int64) int64 {
	if attack <= 0 || quantity <= 0 {
		return 0
	}
	if attack > math.MaxInt64/quantity {
		return math.MaxInt64
	}
	return attack * quantity
}

// NukeEffect wipes out the money generation rate.
func NukeEffect() Effect {
	return Effect{ZeroMoney: true}
}

// BuildEffect adds a completed building's output and land usage.
func BuildEffect(landUsage, moneyDelta, oilDelta int64) Effect {
	return Effect{MoneyDelta: moneyDelta, OilDelta: oilDelta, LandDelta: landUsage}
}

// TouchesLedger reports whether applying e changes any generation rate.
func (e Effect) TouchesLedger() bool {
	return e.ZeroMoney || e.MoneyDamage != 0 || e.MoneyDelta != 0 || e.OilDelta != 0
}

// IsZero reports whether e has no effect at all (spy).
func (e Effect) IsZero() bool {
	return !e.TouchesLedger() && e.LandDelta == 0
}

// Apply returns r with e's rate changes applied. Stores mirror this in SQL
// and in aggregation-pipeline updates; Apply is the reference.
func (e Effect) Apply(r Resource) Resource {
	switch {
	case e.ZeroMoney:
		r.MoneyCentsPerSecond = 0
	case e.MoneyDamage > 0:
		r.MoneyCentsPerSecond = FloorSubtract(r.MoneyCentsPerSecond, e.MoneyDamage)
	}
	r.MoneyCentsPerSecond += e.MoneyDelta
	r.OilUnitsPerSecond += e.OilDelta
	return r
}

// FloorSubtract returns max(0, rate-damage) for damage >= 0 without
// overflowing.
func FloorSubtract(rate, damage int64) int64 {
	if rate <= damage {
		return 0
	}
	return rate - damage
}
