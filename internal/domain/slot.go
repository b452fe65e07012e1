package domain

import "time"

// SlotTemplate is a map-defined landing-zone descriptor. Templates are owned
// by map administration and read-only from the assignment engine's view.
type SlotTemplate struct {
	ID       string
	MapID    string
	Name     string
	XPercent float64
	YPercent float64
	Radius   float64
	Capacity int
}

// SlotAssignment is one capacity unit of a slot within a match: the live
// binding (or absence of one) between an instantiated slot and a team.
// Rows are created when a match is instantiated, occupied by assign/move and
// vacated by release; they are never deleted while the match exists.
type SlotAssignment struct {
	ID         string    `json:"id"`
	MatchID    string    `json:"match_id"`
	MapID      string    `json:"map_id"`
	TemplateID string    `json:"template_id"`
	SeatNo     int       `json:"seat_no"`
	TeamID     *string   `json:"team_id"` // nil means vacant
	CreatedBy  *string   `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Occupied reports whether the capacity unit currently holds a team.
func (a SlotAssignment) Occupied() bool {
	return a.TeamID != nil && *a.TeamID != ""
}

// SlotOccupant is one team currently holding a capacity unit of a slot.
type SlotOccupant struct {
	SlotID     string    `json:"slot_id"`
	SeatNo     int       `json:"seat_no"`
	TeamID     string    `json:"team_id"`
	TeamName   string    `json:"team_name"`
	AssignedAt time.Time `json:"assigned_at"`
}

// SlotView is the read model served to board consumers: template geometry
// joined with live occupancy. TeamID/TeamName mirror the first occupant for
// consumers that predate capacity > 1.
type SlotView struct {
	TemplateID string         `json:"id"`
	Name       string         `json:"name"`
	XPercent   float64        `json:"x_percent"`
	YPercent   float64        `json:"y_percent"`
	Radius     float64        `json:"radius"`
	Capacity   int            `json:"capacity"`
	Occupied   int            `json:"occupied"`
	Occupants  []SlotOccupant `json:"occupants"`
	TeamID     *string        `json:"team_id"`
	TeamName   *string        `json:"team_name"`
}
