package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// UpsertProfileParams carries the mutable profile fields for a user.
type UpsertProfileParams struct {
	DID         string
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
	ProfileJSON []byte
}

const ensureUser = `
INSERT INTO users (did, handle)
VALUES ($1, $2)
ON CONFLICT (did) DO NOTHING`

// EnsureUser inserts the user row if absent. Returns true when this
// call created the row.
func (q *Queries) EnsureUser(ctx context.Context, did, handle string) (bool, error) {
	tag, err := q.db.Exec(ctx, ensureUser, did, handle)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

const updateUserHandle = `
UPDATE users SET handle = $2, updated_at = now() WHERE did = $1`

func (q *Queries) UpdateUserHandle(ctx context.Context, did, handle string) error {
	_, err := q.db.Exec(ctx, updateUserHandle, did, handle)
	return mapError(err)
}

const setUserStatus = `
UPDATE users SET status = $2, updated_at = now() WHERE did = $1`

func (q *Queries) SetUserStatus(ctx context.Context, did, status string) error {
	_, err := q.db.Exec(ctx, setUserStatus, did, status)
	return mapError(err)
}

const setUserIncomplete = `
UPDATE users SET incomplete = $2, updated_at = now() WHERE did = $1`

func (q *Queries) SetUserIncomplete(ctx context.Context, did string, incomplete bool) error {
	_, err := q.db.Exec(ctx, setUserIncomplete, did, incomplete)
	return mapError(err)
}

const upsertProfile = `
INSERT INTO users (did, handle, display_name, description, avatar_cid, banner_cid, profile_json)
VALUES ($1, 'handle.invalid', NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)
ON CONFLICT (did) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    description  = EXCLUDED.description,
    avatar_cid   = EXCLUDED.avatar_cid,
    banner_cid   = EXCLUDED.banner_cid,
    profile_json = EXCLUDED.profile_json,
    updated_at   = now()`

// UpsertProfile creates or refreshes the profile fields. The handle is
// only seeded on first insert; identity events own handle updates.
func (q *Queries) UpsertProfile(ctx context.Context, arg UpsertProfileParams) error {
	_, err := q.db.Exec(ctx, upsertProfile,
		arg.DID, arg.DisplayName, arg.Description, arg.AvatarCID, arg.BannerCID, arg.ProfileJSON)
	return mapError(err)
}

const getUserDIDByHandle = `
SELECT did FROM users WHERE handle = $1`

func (q *Queries) GetUserDIDByHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := q.db.QueryRow(ctx, getUserDIDByHandle, handle).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return did, mapError(err)
}

const getUserHandle = `
SELECT handle FROM users WHERE did = $1`

func (q *Queries) GetUserHandle(ctx context.Context, did string) (string, error) {
	var handle string
	err := q.db.QueryRow(ctx, getUserHandle, did).Scan(&handle)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return handle, mapError(err)
}

const dataCollectionForbidden = `
SELECT data_collection_forbidden FROM users WHERE did = $1`

// DataCollectionForbidden reports whether the user opted out of
// ingestion. Unknown users have nothing to protect yet and report false.
func (q *Queries) DataCollectionForbidden(ctx context.Context, did string) (bool, error) {
	var forbidden bool
	err := q.db.QueryRow(ctx, dataCollectionForbidden, did).Scan(&forbidden)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return forbidden, mapError(err)
}
