package social

// Role is a user's standing in their country.
type Role string

const (
	RolePlayer    Role = "player"
	RolePresident Role = "president"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePlayer || r == RolePresident || r == RoleAdmin
}

// User is a registered player. Credentials live with the auth service; the
// engine only ever changes Role.
type User struct {
	ID        string `json:"id" db:"id" bson:"_id"`
	Email     string `json:"email" db:"email" bson:"email"`
	CountryID string `json:"country_id" db:"country_id" bson:"country"`
	Role      Role   `json:"role" db:"role" bson:"role"`
}
