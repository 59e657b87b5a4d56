package webhook

import (
	"errors"
	"time"
)

// Webhook represents a configured webhook endpoint.
type Webhook struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Webhook types.
const (
	TypeGeneric = "generic"
	TypeDiscord = "discord"
	TypeSlack   = "slack"
	TypeGotify  = "gotify"
)

var (
	// ErrNotFound is returned when a webhook does not exist.
	ErrNotFound = errors.New("webhook not found")
	// ErrInvalid wraps webhook validation failures.
	ErrInvalid = errors.New("invalid webhook")
)

func validType(t string) bool {
	switch t {
	case TypeGeneric, TypeDiscord, TypeSlack, TypeGotify:
		return true
	}
	return false
}
