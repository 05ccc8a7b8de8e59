package repo

import (
	"context"
	"database/sql"

	"propline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// AssignReviewerRole grants a portal role to an actor. Idempotent.
func (r Repo) AssignReviewerRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO reviewer_roles(actor_id, role, created_at) VALUES (?,?,?)`, actorID, string(role), now)
	return err
}

func (r Repo) RevokeReviewerRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM reviewer_roles WHERE actor_id=? AND role=?`, actorID, string(role))
	return err
}

// ReviewerRoles lists the portal roles held by an actor.
func (r Repo) ReviewerRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM reviewer_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.Role(role))
	}
	return roles, rows.Err()
}

// ActorHasRole reports whether an actor holds the given portal role.
func (r Repo) ActorHasRole(ctx context.Context, actorID string, role domain.Role) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM reviewer_roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, string(role))
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
