package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected a value.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrTeamAssigned indicates the team already holds a slot in the match.
var ErrTeamAssigned = errors.New("repository: team already assigned in match")

// ErrSlotFull indicates the slot's capacity is exhausted.
var ErrSlotFull = errors.New("repository: slot capacity exhausted")
