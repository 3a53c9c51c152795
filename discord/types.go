// Package discord provides a minimal client for the Discord REST API.
//
// Only the guild and guild member endpoints are covered, and the types only
// contain the fields the gatekeeper needs.
package discord

import (
	"errors"
	"fmt"
	"net/http"
)

// Role is a named permission group within a guild.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Guild is the subset of guild metadata used to resolve role names.
type Guild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Roles []Role `json:"roles"`
}

// User identifies a Discord account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Member is a user's membership record within a guild.
type Member struct {
	Roles []string `json:"roles"`
	User  User     `json:"user"`
}

// JSON error codes returned by Discord for missing resources.
const (
	CodeUnknownGuild  = 10004
	CodeUnknownMember = 10007
	CodeUnknownUser   = 10013
)

// ErrNotFound is matched by APIErrors describing a missing guild, member or user.
var ErrNotFound = errors.New("discord: not found")

// APIError is an error reported by the Discord API in its {code, message} shape.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: %s (code %d, status %d)", e.Message, e.Code, e.Status)
}

// Is reports whether the API error represents a missing resource.
func (e *APIError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	switch e.Code {
	case CodeUnknownGuild, CodeUnknownMember, CodeUnknownUser:
		return true
	}
	return e.Status == http.StatusNotFound
}
