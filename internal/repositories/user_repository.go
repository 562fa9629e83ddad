package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// ProfilePatch carries optional profile updates; nil fields are untouched.
type ProfilePatch struct {
	Bio       *string
	AvatarURL *string
}

// PrivacyPatch carries optional privacy-flag updates; nil fields are untouched.
type PrivacyPatch struct {
	HideLastSeen     *bool
	HideOnlineStatus *bool
	WhoCanMessage    *string
}

// UserRepository owns account rows. The session registry is the only writer
// of the online flag.
type UserRepository interface {
	Create(ctx context.Context, username, passwordHash string) (models.User, error)
	GetByID(ctx context.Context, userID int64) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetMany(ctx context.Context, ids []int64) ([]models.User, error)
	Search(ctx context.Context, query string, excludeID int64, limit int) ([]models.User, error)
	UpdateProfile(ctx context.Context, userID int64, patch ProfilePatch) (models.User, error)
	UpdatePrivacy(ctx context.Context, userID int64, patch PrivacyPatch) (models.User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// UserRepo is the sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, username, password_hash, bio, avatar_url, is_online, last_seen_at, hide_last_seen, hide_online_status, who_can_message, created_at`

// Create inserts a new account. Duplicate usernames conflict.
func (r *UserRepo) Create(ctx context.Context, username, passwordHash string) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING `+userColumns,
		username, passwordHash).StructScan(&user)
	if isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return user, err
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// GetByUsername fetches a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// GetMany fetches users by id in one query.
func (r *UserRepo) GetMany(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var users []models.User
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}

// Search finds users by username prefix or substring, excluding the caller.
func (r *UserRepo) Search(ctx context.Context, query string, excludeID int64, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users
        WHERE username ILIKE '%' || $1 || '%' AND id <> $2
        ORDER BY username ASC LIMIT $3`, query, excludeID, limit)
	return users, err
}

// UpdateProfile applies a partial profile update.
func (r *UserRepo) UpdateProfile(ctx context.Context, userID int64, patch ProfilePatch) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `UPDATE users SET
            bio = COALESCE($2, bio),
            avatar_url = COALESCE($3, avatar_url)
        WHERE id=$1 RETURNING `+userColumns, userID, patch.Bio, patch.AvatarURL).StructScan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// UpdatePrivacy applies a partial privacy-flag update.
func (r *UserRepo) UpdatePrivacy(ctx context.Context, userID int64, patch PrivacyPatch) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `UPDATE users SET
            hide_last_seen = COALESCE($2, hide_last_seen),
            hide_online_status = COALESCE($3, hide_online_status),
            who_can_message = COALESCE($4, who_can_message)
        WHERE id=$1 RETURNING `+userColumns, userID, patch.HideLastSeen, patch.HideOnlineStatus, patch.WhoCanMessage).StructScan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// UpdatePassword replaces the stored hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetOnline flips the online flag; going offline stamps last_seen_at.
func (r *UserRepo) SetOnline(ctx context.Context, userID int64, online bool) error {
	if online {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online=TRUE WHERE id=$1`, userID)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online=FALSE, last_seen_at=NOW() WHERE id=$1`, userID)
	return err
}
