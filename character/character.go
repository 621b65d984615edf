// Package character holds the directory's record types and the pure helpers
// that shape them: projecting full records down to list entries, validating
// remote payloads, merging without duplicates and filtering for display.
package character

// Identified is implemented by any record that carries a stable identity.
type Identified interface {
	Identity() int
}

// Minimal is the reduced projection of a character used for list display and
// pagination.
type Minimal struct {
	ID         int    `json:"id" msgpack:"id"`
	FirstName  string `json:"first_name" msgpack:"first_name"`
	LastName   string `json:"last_name" msgpack:"last_name"`
	Gender     string `json:"gender" msgpack:"gender"`
	Profession string `json:"profession" msgpack:"profession"`
	Image      string `json:"image" msgpack:"image"`
}

var _ Identified = Minimal{}

func (m Minimal) Identity() int { return m.ID }

// FullName returns first and last name separated by a space.
func (m Minimal) FullName() string {
	return m.FirstName + " " + m.LastName
}

type Favorite struct {
	Color        string `json:"color" msgpack:"color"`
	Food         string `json:"food" msgpack:"food"`
	RandomString string `json:"random_string" msgpack:"random_string"`
	Song         string `json:"song" msgpack:"song"`
}

// Detail is the full character record fetched individually. The remote API
// omits the id on detail responses, so it is attached by DecodeDetail.
type Detail struct {
	ID          int      `json:"id" msgpack:"id"`
	FirstName   string   `json:"first_name" msgpack:"first_name"`
	LastName    string   `json:"last_name" msgpack:"last_name"`
	Gender      string   `json:"gender" msgpack:"gender"`
	Profession  string   `json:"profession" msgpack:"profession"`
	Image       string   `json:"image" msgpack:"image"`
	Email       string   `json:"email" msgpack:"email"`
	Age         int      `json:"age" msgpack:"age"`
	Country     string   `json:"country" msgpack:"country"`
	Height      int      `json:"height" msgpack:"height"`
	Description string   `json:"description,omitempty" msgpack:"description,omitempty"`
	Quote       string   `json:"quota,omitempty" msgpack:"quote,omitempty"`
	Favorite    Favorite `json:"favorite" msgpack:"favorite"`
}

var _ Identified = Detail{}

func (d Detail) Identity() int { return d.ID }

// Minimal projects the record down to its list-display fields.
func (d Detail) Minimal() Minimal {
	return Minimal{
		ID:         d.ID,
		FirstName:  d.FirstName,
		LastName:   d.LastName,
		Gender:     d.Gender,
		Profession: d.Profession,
		Image:      d.Image,
	}
}
