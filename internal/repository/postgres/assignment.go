package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
)

const slotColumns = `id, match_id, map_id, template_id, seat_no, team_id, created_by, created_at`

// InstantiateSlots materializes one vacant capacity unit per template of the
// map. Existing units are skipped, so repeated calls create zero new rows.
func (r *Repository) InstantiateSlots(ctx context.Context, matchID, mapID, createdBy string) (int, error) {
	const query = `INSERT INTO slot_assignments (id, match_id, map_id, template_id, seat_no, created_by, created_at)
		SELECT gen_random_uuid(), $1, t.map_id, t.id, 0, $3, NOW()
		FROM slot_templates t
		WHERE t.map_id = $2
		ON CONFLICT (match_id, template_id, seat_no) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, matchID, mapID, nilIfEmpty(createdBy))
	if err != nil {
		return 0, translateConstraint(err)
	}
	return int(tag.RowsAffected()), nil
}

// GetSlotByID loads one capacity unit, scoped to the match.
func (r *Repository) GetSlotByID(ctx context.Context, matchID, slotID string) (*domain.SlotAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM slot_assignments WHERE id = $1 AND match_id = $2`, slotColumns)
	return scanSlot(r.pool.QueryRow(ctx, query, slotID, matchID))
}

// FindTeamSlot returns the unit currently held by the team in the match.
func (r *Repository) FindTeamSlot(ctx context.Context, matchID, teamID string) (*domain.SlotAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM slot_assignments WHERE match_id = $1 AND team_id = $2`, slotColumns)
	return scanSlot(r.pool.QueryRow(ctx, query, matchID, teamID))
}

// FindTemplateSlot picks the template's preferred unit: the lowest vacant
// seat, falling back to the lowest seat when all are occupied.
func (r *Repository) FindTemplateSlot(ctx context.Context, matchID, templateID string) (*domain.SlotAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM slot_assignments
		WHERE match_id = $1 AND template_id = $2
		ORDER BY (team_id IS NOT NULL), seat_no
		LIMIT 1`, slotColumns)
	return scanSlot(r.pool.QueryRow(ctx, query, matchID, templateID))
}

// AssignSeat binds the team to the named unit inside one transaction. All
// units of the slot are locked first so concurrent claimers serialize; the
// uniqueness constraints turn any racer that slips through into a
// deterministic conflict instead of corrupted state.
func (r *Repository) AssignSeat(ctx context.Context, bind repository.SeatBinding) (*domain.SlotAssignment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	slot, err := r.bindSeat(ctx, tx, bind)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateConstraint(err)
	}
	return slot, nil
}

// MoveSeat relocates the team to the destination unit and clears its previous
// unit in the same transaction. The per-team uniqueness constraint is
// deferred so the destination is bound before the old unit is released; a
// full destination rolls the whole transaction back, preserving the original
// binding.
func (r *Repository) MoveSeat(ctx context.Context, bind repository.SeatBinding) (*domain.SlotAssignment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET CONSTRAINTS uq_assignment_match_team DEFERRED`); err != nil {
		return nil, err
	}
	slot, err := r.bindSeat(ctx, tx, bind)
	if err != nil {
		return nil, err
	}
	const clear = `UPDATE slot_assignments SET team_id = NULL
		WHERE match_id = $1 AND team_id = $2 AND id <> $3`
	if _, err := tx.Exec(ctx, clear, bind.MatchID, bind.TeamID, slot.ID); err != nil {
		return nil, translateConstraint(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateConstraint(err)
	}
	return slot, nil
}

type seatUnit struct {
	id     string
	seatNo int
	teamID sql.NullString
}

// bindSeat performs the locked check-then-act for one assignment event.
func (r *Repository) bindSeat(ctx context.Context, tx pgx.Tx, bind repository.SeatBinding) (*domain.SlotAssignment, error) {
	const target = `SELECT a.template_id, a.map_id, t.capacity
		FROM slot_assignments a
		INNER JOIN slot_templates t ON t.id = a.template_id
		WHERE a.id = $1 AND a.match_id = $2`
	var (
		templateID string
		mapID      string
		capacity   int
	)
	if err := tx.QueryRow(ctx, target, bind.SlotID, bind.MatchID).Scan(&templateID, &mapID, &capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}

	const lockUnits = `SELECT id, seat_no, team_id FROM slot_assignments
		WHERE match_id = $1 AND template_id = $2
		ORDER BY seat_no
		FOR UPDATE`
	rows, err := tx.Query(ctx, lockUnits, bind.MatchID, templateID)
	if err != nil {
		return nil, translateConstraint(err)
	}
	units := make([]seatUnit, 0, capacity)
	for rows.Next() {
		var u seatUnit
		if err := rows.Scan(&u.id, &u.seatNo, &u.teamID); err != nil {
			rows.Close()
			return nil, err
		}
		units = append(units, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	occupied := 0
	maxSeat := -1
	claimID := ""
	for _, u := range units {
		if u.seatNo > maxSeat {
			maxSeat = u.seatNo
		}
		if u.teamID.Valid {
			if u.teamID.String == bind.TeamID {
				// already bound to this slot: idempotent success
				return r.loadSlotTx(ctx, tx, u.id)
			}
			occupied++
			continue
		}
		if u.id == bind.SlotID || claimID == "" {
			claimID = u.id
		}
	}
	if occupied >= capacity {
		return nil, repository.ErrSlotFull
	}

	if claimID != "" {
		query := fmt.Sprintf(`UPDATE slot_assignments
			SET team_id = $1, created_by = $2, created_at = NOW()
			WHERE id = $3 AND team_id IS NULL
			RETURNING %s`, slotColumns)
		slot, err := scanSlot(tx.QueryRow(ctx, query, bind.TeamID, nilIfEmpty(bind.CallerID), claimID))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, repository.ErrSlotFull
			}
			return nil, err
		}
		return slot, nil
	}

	if maxSeat+1 >= capacity {
		return nil, repository.ErrSlotFull
	}
	query := fmt.Sprintf(`INSERT INTO slot_assignments (id, match_id, map_id, template_id, seat_no, team_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING %s`, slotColumns)
	return scanSlot(tx.QueryRow(ctx, query,
		uuid.NewString(),
		bind.MatchID,
		mapID,
		templateID,
		maxSeat+1,
		bind.TeamID,
		nilIfEmpty(bind.CallerID),
	))
}

func (r *Repository) loadSlotTx(ctx context.Context, tx pgx.Tx, slotID string) (*domain.SlotAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM slot_assignments WHERE id = $1`, slotColumns)
	return scanSlot(tx.QueryRow(ctx, query, slotID))
}

// ReleaseSlot vacates the unit if the team still holds it. Releasing an
// already-vacant unit is a no-op, not an error.
func (r *Repository) ReleaseSlot(ctx context.Context, matchID, slotID, teamID string) error {
	const query = `UPDATE slot_assignments SET team_id = NULL
		WHERE id = $1 AND match_id = $2 AND team_id = $3`
	if _, err := r.pool.Exec(ctx, query, slotID, matchID, teamID); err != nil {
		return translateConstraint(err)
	}
	return nil
}

// ReleaseTeam vacates whichever unit the team holds in the match.
func (r *Repository) ReleaseTeam(ctx context.Context, matchID, teamID string) error {
	const query = `UPDATE slot_assignments SET team_id = NULL
		WHERE match_id = $1 AND team_id = $2`
	if _, err := r.pool.Exec(ctx, query, matchID, teamID); err != nil {
		return translateConstraint(err)
	}
	return nil
}

// ListBoard returns every capacity unit of the match joined with template
// geometry and the occupant's team name.
func (r *Repository) ListBoard(ctx context.Context, matchID string) ([]repository.BoardEntry, error) {
	const query = `SELECT t.id, t.map_id, t.name, t.x_percent, t.y_percent, t.radius, t.capacity,
			a.id, a.match_id, a.map_id, a.template_id, a.seat_no, a.team_id, a.created_by, a.created_at,
			tm.name
		FROM slot_assignments a
		INNER JOIN slot_templates t ON t.id = a.template_id
		LEFT JOIN teams tm ON tm.id = a.team_id
		WHERE a.match_id = $1
		ORDER BY t.name, t.id, a.seat_no`
	rows, err := r.pool.Query(ctx, query, matchID)
	if err != nil {
		return nil, translateConstraint(err)
	}
	defer rows.Close()

	entries := make([]repository.BoardEntry, 0)
	for rows.Next() {
		var (
			e         repository.BoardEntry
			teamID    sql.NullString
			createdBy sql.NullString
			teamName  sql.NullString
		)
		if err := rows.Scan(
			&e.Template.ID,
			&e.Template.MapID,
			&e.Template.Name,
			&e.Template.XPercent,
			&e.Template.YPercent,
			&e.Template.Radius,
			&e.Template.Capacity,
			&e.Slot.ID,
			&e.Slot.MatchID,
			&e.Slot.MapID,
			&e.Slot.TemplateID,
			&e.Slot.SeatNo,
			&teamID,
			&createdBy,
			&e.Slot.CreatedAt,
			&teamName,
		); err != nil {
			return nil, err
		}
		e.Slot.TeamID = stringPtr(teamID)
		e.Slot.CreatedBy = stringPtr(createdBy)
		e.TeamName = stringPtr(teamName)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSlot(row pgx.Row) (*domain.SlotAssignment, error) {
	var (
		a         domain.SlotAssignment
		teamID    sql.NullString
		createdBy sql.NullString
	)
	if err := row.Scan(&a.ID, &a.MatchID, &a.MapID, &a.TemplateID, &a.SeatNo, &teamID, &createdBy, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateConstraint(err)
	}
	a.TeamID = stringPtr(teamID)
	a.CreatedBy = stringPtr(createdBy)
	return &a, nil
}
