package models

import "time"

type User struct {
	ID          int        `json:"id" example:"1"`                       // User ID
	PhoneNumber string     `json:"phoneNumber" example:"+79001234567"`   // Login identifier
	Email       string     `json:"email" example:"user@example.com"`     // Contact email, not used for login
	FirstName   string     `json:"firstName" example:"Ivan"`             // User first name
	LastName    string     `json:"lastName" example:"Petrov"`            // User last name
	MiddleName  string     `json:"middleName,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	IsAdmin     bool       `json:"isAdmin"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// FullName is used for transaction titles ("Transfer to <name>").
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
