package domain

// Match is one scheduled instance of gameplay within a competition,
// bound to at most one map.
type Match struct {
	ID            string
	CompetitionID string
	MapID         string // empty until an administrator picks a map
	Number        int
}
