package domain

import "time"

// Role is the access level of an account.
type Role string

// Roles, from least to most privileged.
const (
	RoleTutor Role = "tutor"
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleTutor: 1,
	RoleAdmin: 2,
}

// HasPermission reports whether r grants at least the access of required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// User is a tutor account. Telegram fields are set once the account is
// linked to a chat through the bot.
type User struct {
	ID             string
	Email          string
	Role           Role
	TelegramChatID *string
	TelegramUserID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
