package domain

// Team is a registered competitor within one competition.
type Team struct {
	ID            string
	CompetitionID string
	Name          string
}

// User identifies a caller. Administrators may act for any team.
type User struct {
	ID       string
	Username string
	Admin    bool
}
