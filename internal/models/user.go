package models

import "time"

// WhoCanMessage values accepted for the privacy setting.
const (
	MessageFromEveryone = "everyone"
	MessageFromNobody   = "nobody"
)

// User is an account row. PasswordHash never leaves the service.
type User struct {
	ID               int64      `db:"id" json:"id"`
	Username         string     `db:"username" json:"username"`
	PasswordHash     string     `db:"password_hash" json:"-"`
	Bio              string     `db:"bio" json:"bio,omitempty"`
	AvatarURL        string     `db:"avatar_url" json:"avatar_url,omitempty"`
	IsOnline         bool       `db:"is_online" json:"is_online"`
	LastSeenAt       *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	HideLastSeen     bool       `db:"hide_last_seen" json:"hide_last_seen"`
	HideOnlineStatus bool       `db:"hide_online_status" json:"hide_online_status"`
	WhoCanMessage    string     `db:"who_can_message" json:"who_can_message"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// PublicView strips privacy-protected fields according to the user's settings.
func (u User) PublicView() User {
	out := u
	out.PasswordHash = ""
	if u.HideOnlineStatus {
		out.IsOnline = false
	}
	if u.HideLastSeen || u.HideOnlineStatus {
		out.LastSeenAt = nil
	}
	return out
}
