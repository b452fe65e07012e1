package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.MatchRepository      = (*Repository)(nil)
	_ repository.TemplateRepository   = (*Repository)(nil)
	_ repository.RosterRepository     = (*Repository)(nil)
	_ repository.AssignmentRepository = (*Repository)(nil)
)

// GetMatchByID resolves a match with its competition and map.
func (r *Repository) GetMatchByID(ctx context.Context, matchID string) (*domain.Match, error) {
	const query = `SELECT id, competition_id, map_id, number FROM matches WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, matchID)
	var (
		m     domain.Match
		mapID sql.NullString
	)
	if err := row.Scan(&m.ID, &m.CompetitionID, &mapID, &m.Number); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	if mapID.Valid {
		m.MapID = mapID.String
	}
	return &m, nil
}

// GetTemplateByID fetches one slot template.
func (r *Repository) GetTemplateByID(ctx context.Context, templateID string) (*domain.SlotTemplate, error) {
	const query = `SELECT id, map_id, name, x_percent, y_percent, radius, capacity
		FROM slot_templates WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, templateID)
	var t domain.SlotTemplate
	if err := row.Scan(&t.ID, &t.MapID, &t.Name, &t.XPercent, &t.YPercent, &t.Radius, &t.Capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	return &t, nil
}

// ListTemplatesByMap returns the template catalog for a map.
func (r *Repository) ListTemplatesByMap(ctx context.Context, mapID string) ([]domain.SlotTemplate, error) {
	const query = `SELECT id, map_id, name, x_percent, y_percent, radius, capacity
		FROM slot_templates WHERE map_id = $1 ORDER BY name, id`
	rows, err := r.pool.Query(ctx, query, mapID)
	if err != nil {
		return nil, translateConstraint(err)
	}
	defer rows.Close()

	templates := make([]domain.SlotTemplate, 0)
	for rows.Next() {
		var t domain.SlotTemplate
		if err := rows.Scan(&t.ID, &t.MapID, &t.Name, &t.XPercent, &t.YPercent, &t.Radius, &t.Capacity); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// GetUserByID retrieves a caller by identifier.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	const query = `SELECT id, username, is_admin FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, userID)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Admin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	return &u, nil
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, competition_id, name FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var t domain.Team
	if err := row.Scan(&t.ID, &t.CompetitionID, &t.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	return &t, nil
}

// GetTeamByMember resolves the caller's own team within a competition.
func (r *Repository) GetTeamByMember(ctx context.Context, userID, competitionID string) (*domain.Team, error) {
	const query = `SELECT t.id, t.competition_id, t.name
		FROM teams t
		INNER JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = $1 AND t.competition_id = $2`
	row := r.pool.QueryRow(ctx, query, userID, competitionID)
	var t domain.Team
	if err := row.Scan(&t.ID, &t.CompetitionID, &t.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	return &t, nil
}

// IsMember reports whether the user is registered on the team. The answer is
// read fresh on every call; membership can change between requests.
func (r *Repository) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM team_members WHERE user_id = $1 AND team_id = $2)`
	row := r.pool.QueryRow(ctx, query, userID, teamID)
	var member bool
	if err := row.Scan(&member); err != nil {
		return false, translateConstraint(err)
	}
	return member, nil
}

// translateConstraint maps PostgreSQL error codes onto repository sentinels.
func translateConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "uq_assignment_match_team":
			return repository.ErrTeamAssigned
		case "uq_assignment_template_seat":
			return repository.ErrSlotFull
		}
		return repository.ErrInvalidArgument
	case "23503":
		return repository.ErrNotFound
	case "23514", "22P02":
		return repository.ErrInvalidArgument
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}
