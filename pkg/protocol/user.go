package protocol

import (
	"strings"
	"unicode/utf8"
)

// Role is the profile role of a user.
type Role string

const (
	RolePlayer   Role = "PLAYER"
	RoleOfficial Role = "OFFICIAL"
)

// String returns the lower-case display name of the role.
func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleOfficial:
		return "official"
	default:
		return "unknown"
	}
}

// Profile holds per-user chat settings.
type Profile struct {
	Role Role `json:"role"`
}

// User is a directory entry. Profile is nil for users without one.
type User struct {
	ID       UserID   `json:"id"`
	Username string   `json:"username"`
	Profile  *Profile `json:"profile"`
}

// Initial returns the upper-cased first letter of the username, or "?".
func (u User) Initial() string {
	r, _ := utf8.DecodeRuneInString(u.Username)
	if r == utf8.RuneError {
		return "?"
	}
	return strings.ToUpper(string(r))
}
