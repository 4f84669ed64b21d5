// Package world holds the static and scheduled parts of the game world:
// countries, unit and building catalogs, and in-flight world events.
package world

import "errors"

// ErrNotFound is returned by stores when a referenced document does not exist.
var ErrNotFound = errors.New("not found")

// Country is a playable nation. The engine only reads its land capacity and
// grows UsedLand when a build completes.
type Country struct {
	ID        string `json:"id" db:"id" bson:"_id"`
	Name      string `json:"name" db:"name" bson:"name"`
	LandLimit int64  `json:"land_limit" db:"land_limit" bson:"landLimit"`
	UsedLand  int64  `json:"used_land" db:"used_land" bson:"usedLand"`
}

// FreeLand returns the land still available for buildings. Negative when a
// completed build pushed the country past its limit.
func (c Country) FreeLand() int64 {
	return c.LandLimit - c.UsedLand
}

// Location is a map position used to place event markers.
type Location struct {
	Lat float64 `json:"lat" db:"lat" bson:"lat"`
	Lng float64 `json:"lng" db:"lng" bson:"lng"`
}

// UnitType is a purchasable military unit. An empty CountryID means the unit
// is available to every country.
type UnitType struct {
	ID        string `json:"id" db:"id" bson:"_id"`
	Name      string `json:"name" db:"name" bson:"name"`
	CountryID string `json:"country_id,omitempty" db:"country_id" bson:"country,omitempty"`
	CostCents int64  `json:"cost_cents" db:"cost_cents" bson:"costCents"`
	Attack    int64  `json:"attack" db:"attack" bson:"attack"`
	Defense   int64  `json:"defense" db:"defense" bson:"defense"`
	Speed     int64  `json:"speed" db:"speed" bson:"speed"` // quantity units per second of travel
	HP        int64  `json:"hp" db:"hp" bson:"hp"`
}

// BuildingType is a constructible building. Its deltas are added to the
// owning country's generation rates when construction completes.
type BuildingType struct {
	ID                  string `json:"id" db:"id" bson:"_id"`
	Name                string `json:"name" db:"name" bson:"name"`
	CountryID           string `json:"country_id,omitempty" db:"country_id" bson:"country,omitempty"`
	CostCents           int64  `json:"cost_cents" db:"cost_cents" bson:"costCents"`
	LandUsage           int64  `json:"land_usage" db:"land_usage" bson:"landUsage"`
	MoneyDeltaPerSecond int64  `json:"money_delta_per_second" db:"money_delta_per_second" bson:"moneyDeltaPerSecond"`
	OilDeltaPerSecond   int64  `json:"oil_delta_per_second" db:"oil_delta_per_second" bson:"oilDeltaPerSecond"`
}
