package pgauth

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Authorizer checks device tokens against the device table and viewer
// tokens against the ws_token of live user sessions.
type Authorizer struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Authorizer {
	return &Authorizer{db: db}
}

func (a *Authorizer) AuthorizeDevice(ctx context.Context, device_id, token string) (bool, error) {
	var hash string
	var suspended bool
	row := a.db.QueryRow(ctx, `SELECT token_hash, suspended FROM device WHERE device_id = $1`, device_id)
	err := row.Scan(&hash, &suspended)
	if err == pgx.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if suspended {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil, nil
}

// AuthorizeViewer accepts the ws_token of a valid session whose user may
// view device_id.
func (a *Authorizer) AuthorizeViewer(ctx context.Context, viewer_id, device_id, token string) (bool, error) {
	var ok bool
	row := a.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1
	FROM "user" INNER JOIN session ON session.user_id = "user".id
	INNER JOIN device_viewer ON device_viewer.user_id = "user".id
	WHERE "user".username = $1
	and session.ws_token = $2
	and session.valid_until > now()
	and not "user".suspended
	and device_viewer.device_id = $3)`, viewer_id, token, device_id)
	err := row.Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}
